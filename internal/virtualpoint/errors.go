package virtualpoint

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 引擎错误分类
type ErrorCode string

const (
	ErrCodeConfiguration     ErrorCode = "CONFIGURATION"       // 循环依赖、非法公式，编辑期拒绝
	ErrCodeEvaluationTimeout ErrorCode = "EVALUATION_TIMEOUT"  // 超出执行预算
	ErrCodeEvaluation        ErrorCode = "EVALUATION"          // 公式运行时异常
	ErrCodeMissingDependency ErrorCode = "MISSING_DEPENDENCY"  // 必需输入不可用且无默认值
	ErrCodeQuality           ErrorCode = "QUALITY"             // 输入被质量过滤且无默认值
)

// EngineError 虚拟点位引擎错误
type EngineError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewEngineError 构造引擎错误
func NewEngineError(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithContext 附加上下文信息
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause 附加原因错误
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// NewConfigurationError 编辑期配置错误，调用方不得持久化本次编辑
func NewConfigurationError(format string, args ...interface{}) *EngineError {
	return NewEngineError(ErrCodeConfiguration, fmt.Sprintf(format, args...))
}

// NewTimeoutError 执行预算耗尽
func NewTimeoutError(vpID int, budget time.Duration) *EngineError {
	return NewEngineError(ErrCodeEvaluationTimeout, fmt.Sprintf("虚拟点位 %d 计算超时 (预算 %s)", vpID, budget)).
		WithContext("virtual_point_id", vpID)
}

// NewEvaluationError 公式运行时错误
func NewEvaluationError(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeEvaluation, message).WithCause(cause)
}

// NewMissingDependencyError 必需输入缺失
func NewMissingDependencyError(variable string) *EngineError {
	return NewEngineError(ErrCodeMissingDependency, fmt.Sprintf("必需输入 %s 不可用且无默认值", variable)).
		WithContext("variable", variable)
}

// NewQualityError 输入被质量过滤拒绝
func NewQualityError(variable string, quality string) *EngineError {
	return NewEngineError(ErrCodeQuality, fmt.Sprintf("输入 %s 质量 %s 未通过过滤且无默认值", variable, quality)).
		WithContext("variable", variable).
		WithContext("quality", quality)
}

// CodeOf 提取错误分类，非引擎错误按运行时错误处理
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeEvaluation
}

// IsConfigurationError 判断是否为编辑期配置错误
func IsConfigurationError(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

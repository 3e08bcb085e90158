package virtualpoint

import (
	"sync"
	"time"

	"github.com/pulseone/engine/internal/model"
)

// Trigger 虚拟点位的计算触发方式
type Trigger string

const (
	TriggerTimer    Trigger = "timer"    // 固定周期
	TriggerOnChange Trigger = "onchange" // 输入变化
	TriggerManual   Trigger = "manual"   // 手动调用
	TriggerEvent    Trigger = "event"    // 外部事件
)

// ErrorHandling 公式执行失败时的处理策略
type ErrorHandling string

const (
	ErrorReturnNull     ErrorHandling = "return_null"
	ErrorReturnZero     ErrorHandling = "return_zero"
	ErrorReturnPrevious ErrorHandling = "return_previous"
	ErrorThrow          ErrorHandling = "throw_error"
)

// DataProcessing 输入值的加工方式
type DataProcessing string

const (
	ProcessCurrent DataProcessing = "current"
	ProcessAverage DataProcessing = "average"
	ProcessMin     DataProcessing = "min"
	ProcessMax     DataProcessing = "max"
	ProcessSum     DataProcessing = "sum"
	ProcessCount   DataProcessing = "count"
	ProcessStdDev  DataProcessing = "stddev"
	ProcessMedian  DataProcessing = "median"
)

// QualityFilter 输入质量过滤策略
type QualityFilter string

const (
	FilterGoodOnly        QualityFilter = "good_only"
	FilterAny             QualityFilter = "any"
	FilterGoodOrUncertain QualityFilter = "good_or_uncertain"
)

// Accepts 判断给定质量码是否通过过滤
func (f QualityFilter) Accepts(q model.Quality) bool {
	switch f {
	case FilterAny:
		return true
	case FilterGoodOrUncertain:
		return q == model.QualityGood || q == model.QualityUncertain
	default: // good_only
		return q == model.QualityGood
	}
}

// Scope 虚拟点位的归属范围
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeSite   Scope = "site"
	ScopeDevice Scope = "device"
)

// Definition 虚拟点位定义
// 配置侧字段由外部配置API维护，引擎只回写执行统计字段
type Definition struct {
	ID       int    `json:"id" yaml:"id"`
	TenantID int    `json:"tenant_id" yaml:"tenant_id"`
	Name     string `json:"name" yaml:"name"`

	Scope    Scope `json:"scope,omitempty" yaml:"scope,omitempty"`
	SiteID   int   `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	DeviceID int   `json:"device_id,omitempty" yaml:"device_id,omitempty"`

	Formula  string `json:"formula" yaml:"formula"`
	DataType string `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	Unit     string `json:"unit,omitempty" yaml:"unit,omitempty"`

	Trigger             Trigger       `json:"trigger" yaml:"trigger"`
	CalculationInterval time.Duration `json:"calculation_interval,omitempty" yaml:"calculation_interval,omitempty"`
	CacheDurationMS     int           `json:"cache_duration_ms,omitempty" yaml:"cache_duration_ms,omitempty"`
	TimeoutMS           int           `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxExecutionTimeMS  int           `json:"max_execution_time_ms,omitempty" yaml:"max_execution_time_ms,omitempty"`
	RetryCount          int           `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	ErrorHandling       ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	Enabled             bool          `json:"enabled" yaml:"enabled"`

	Inputs []*Input `json:"inputs" yaml:"inputs"`

	// 编辑期由依赖图计算
	DependencyLevel int `json:"dependency_level,omitempty" yaml:"dependency_level,omitempty"`

	// 执行统计（仅引擎回写）
	ExecutionCount   int64         `json:"execution_count,omitempty" yaml:"-"`
	AvgExecutionTime time.Duration `json:"avg_execution_time,omitempty" yaml:"-"`
	LastError        string        `json:"last_error,omitempty" yaml:"-"`
}

// Ref 返回该定义对应的点位引用
func (d *Definition) Ref() model.PointRef {
	return model.VirtualPointRef(d.ID)
}

// Timeout 返回任务执行期限，timeout_ms 未配置时退回 max_execution_time_ms，再退回默认5秒
func (d *Definition) Timeout() time.Duration {
	if d.TimeoutMS > 0 {
		return time.Duration(d.TimeoutMS) * time.Millisecond
	}
	if d.MaxExecutionTimeMS > 0 {
		return time.Duration(d.MaxExecutionTimeMS) * time.Millisecond
	}
	return 5 * time.Second
}

// Input 虚拟点位的一个输入绑定，variable_name 在定义内唯一
type Input struct {
	VirtualPointID    int             `json:"virtual_point_id,omitempty" yaml:"virtual_point_id,omitempty"`
	VariableName      string          `json:"variable_name" yaml:"variable_name"`
	SourceType        model.PointKind `json:"source_type" yaml:"source_type"`
	SourceID          int             `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	ConstantValue     interface{}     `json:"constant_value,omitempty" yaml:"constant_value,omitempty"`
	DataProcessing    DataProcessing  `json:"data_processing,omitempty" yaml:"data_processing,omitempty"`
	TimeWindowSeconds int             `json:"time_window_seconds,omitempty" yaml:"time_window_seconds,omitempty"`
	ScalingFactor     float64         `json:"scaling_factor,omitempty" yaml:"scaling_factor,omitempty"`
	ScalingOffset     float64         `json:"scaling_offset,omitempty" yaml:"scaling_offset,omitempty"`
	QualityFilter     QualityFilter   `json:"quality_filter,omitempty" yaml:"quality_filter,omitempty"`
	DefaultValue      interface{}     `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	IsRequired        bool            `json:"is_required" yaml:"is_required"`
}

// SourceRef 返回输入的来源点位引用，常量输入返回零值引用
func (in *Input) SourceRef() model.PointRef {
	switch in.SourceType {
	case model.KindConstant, model.KindFormula:
		return model.PointRef{}
	default:
		return model.PointRef{Kind: in.SourceType, ID: in.SourceID}
	}
}

// Value 虚拟点位的当前计算结果，每个定义一条，随每次计算覆盖
type Value struct {
	VirtualPointID        int           `json:"virtual_point_id"`
	Value                 interface{}   `json:"value"`
	StringValue           string        `json:"string_value,omitempty"`
	Quality               model.Quality `json:"quality"`
	LastCalculated        time.Time     `json:"last_calculated"`
	CalculationDurationMS int64         `json:"calculation_duration_ms"`
	ErrorCount            int64         `json:"error_count"`
	SuccessCount          int64         `json:"success_count"`
	LastError             string        `json:"last_error,omitempty"`
	StalenessThresholdMS  int64         `json:"staleness_threshold_ms,omitempty"`
}

// PointValue 转换为通用点位值
func (v *Value) PointValue() model.PointValue {
	return model.PointValue{
		Value:       v.Value,
		StringValue: v.StringValue,
		Quality:     v.Quality,
		Timestamp:   v.LastCalculated,
	}
}

// SuccessRate 计算成功率
func (v *Value) SuccessRate() float64 {
	total := v.SuccessCount + v.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(v.SuccessCount) / float64(total)
}

// Statistics 引擎级虚拟点位统计快照
type Statistics struct {
	TotalPoints            int           `json:"total_points"`
	ActivePoints           int           `json:"active_points"`
	ErrorPoints            int           `json:"error_points"`
	TotalCalculations      int64         `json:"total_calculations"`
	SuccessfulCalculations int64         `json:"successful_calculations"`
	FailedCalculations     int64         `json:"failed_calculations"`
	AvgExecutionTime       time.Duration `json:"avg_execution_time"`
	LastCalculation        time.Time     `json:"last_calculation"`
}

// statsTracker 统计累加器
type statsTracker struct {
	mu    sync.Mutex
	stats Statistics
}

func (t *statsTracker) record(ok bool, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.TotalCalculations++
	if ok {
		t.stats.SuccessfulCalculations++
	} else {
		t.stats.FailedCalculations++
	}
	// 指数移动平均，权重0.3新值
	if t.stats.AvgExecutionTime == 0 {
		t.stats.AvgExecutionTime = d
	} else {
		t.stats.AvgExecutionTime = time.Duration(float64(t.stats.AvgExecutionTime)*0.7 + float64(d)*0.3)
	}
	t.stats.LastCalculation = time.Now()
}

func (t *statsTracker) snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

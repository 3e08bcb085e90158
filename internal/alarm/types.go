package alarm

import (
	"time"

	"github.com/pulseone/engine/internal/model"
)

// Severity 告警严重度
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// State 告警生命周期状态
type State string

const (
	StateNormal       State = "normal"
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateCleared      State = "cleared"
	StateSuppressed   State = "suppressed"
)

// Terminal 终态判断，cleared 后不再接受任何转移
func (s State) Terminal() bool {
	return s == StateCleared
}

// AlarmType 告警规则类型
type AlarmType string

const (
	TypeAnalog  AlarmType = "analog"
	TypeDigital AlarmType = "digital"
	TypeScript  AlarmType = "script"
)

// TargetType 告警绑定目标类型
type TargetType string

const (
	TargetDataPoint    TargetType = "data_point"
	TargetVirtualPoint TargetType = "virtual_point"
	TargetGroup        TargetType = "group"
)

// DigitalTrigger 数字量触发条件
type DigitalTrigger string

const (
	TriggerOnTrue    DigitalTrigger = "on_true"
	TriggerOnFalse   DigitalTrigger = "on_false"
	TriggerOnChange  DigitalTrigger = "on_change"
	TriggerOnRising  DigitalTrigger = "on_rising"
	TriggerOnFalling DigitalTrigger = "on_falling"
)

// AnalogLevel 模拟量越限档位
type AnalogLevel string

const (
	LevelHighHigh AnalogLevel = "high_high"
	LevelHigh     AnalogLevel = "high"
	LevelLow      AnalogLevel = "low"
	LevelLowLow   AnalogLevel = "low_low"
	LevelNormal   AnalogLevel = "normal"
)

// ForcedSeverity 档位强制严重度：双高双低强制critical，单高单低沿用规则配置
func (l AnalogLevel) ForcedSeverity(base Severity) Severity {
	switch l {
	case LevelHighHigh, LevelLowLow:
		return SeverityCritical
	}
	return base
}

// Rule 告警规则
// 四档限值均可选，nil表示该档未配置
type Rule struct {
	ID       int    `json:"id" yaml:"id"`
	TenantID int    `json:"tenant_id" yaml:"tenant_id"`
	Name     string `json:"name" yaml:"name"`

	TargetType  TargetType `json:"target_type" yaml:"target_type"`
	TargetID    int        `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	TargetGroup string     `json:"target_group,omitempty" yaml:"target_group,omitempty"`

	AlarmType AlarmType `json:"alarm_type" yaml:"alarm_type"`

	// 模拟量
	HighHighLimit *float64 `json:"high_high_limit,omitempty" yaml:"high_high_limit,omitempty"`
	HighLimit     *float64 `json:"high_limit,omitempty" yaml:"high_limit,omitempty"`
	LowLimit      *float64 `json:"low_limit,omitempty" yaml:"low_limit,omitempty"`
	LowLowLimit   *float64 `json:"low_low_limit,omitempty" yaml:"low_low_limit,omitempty"`
	Deadband      float64  `json:"deadband,omitempty" yaml:"deadband,omitempty"`
	RateOfChange  float64  `json:"rate_of_change,omitempty" yaml:"rate_of_change,omitempty"`

	// 数字量
	TriggerCondition DigitalTrigger `json:"trigger_condition,omitempty" yaml:"trigger_condition,omitempty"`

	// 脚本
	ConditionScript string `json:"condition_script,omitempty" yaml:"condition_script,omitempty"`
	MessageScript   string `json:"message_script,omitempty" yaml:"message_script,omitempty"`

	MessageTemplate string   `json:"message_template,omitempty" yaml:"message_template,omitempty"`
	Severity        Severity `json:"severity" yaml:"severity"`
	Priority        int      `json:"priority,omitempty" yaml:"priority,omitempty"`

	// 抑制与升级，JSON编码的规则集
	SuppressionRules      string `json:"suppression_rules,omitempty" yaml:"suppression_rules,omitempty"`
	EscalationEnabled     bool   `json:"escalation_enabled,omitempty" yaml:"escalation_enabled,omitempty"`
	AcknowledgeTimeoutMin int    `json:"acknowledge_timeout_min,omitempty" yaml:"acknowledge_timeout_min,omitempty"`
	EscalationMaxLevel    int    `json:"escalation_max_level,omitempty" yaml:"escalation_max_level,omitempty"`
	EscalationRules       string `json:"escalation_rules,omitempty" yaml:"escalation_rules,omitempty"`

	AutoAcknowledge bool `json:"auto_acknowledge,omitempty" yaml:"auto_acknowledge,omitempty"`
	AutoClear       bool `json:"auto_clear,omitempty" yaml:"auto_clear,omitempty"`
	IsLatched       bool `json:"is_latched,omitempty" yaml:"is_latched,omitempty"`
	Enabled         bool `json:"enabled" yaml:"enabled"`

	NotificationEnabled    bool     `json:"notification_enabled,omitempty" yaml:"notification_enabled,omitempty"`
	NotificationChannels   []string `json:"notification_channels,omitempty" yaml:"notification_channels,omitempty"`
	NotificationRecipients []string `json:"notification_recipients,omitempty" yaml:"notification_recipients,omitempty"`
	RepeatIntervalMin      int      `json:"repeat_interval_min,omitempty" yaml:"repeat_interval_min,omitempty"`
}

// TargetRef 返回规则绑定的点位引用，group目标无单点引用
func (r *Rule) TargetRef() model.PointRef {
	switch r.TargetType {
	case TargetDataPoint:
		return model.DataPointRef(r.TargetID)
	case TargetVirtualPoint:
		return model.VirtualPointRef(r.TargetID)
	default:
		return model.PointRef{}
	}
}

// Occurrence 一次告警发生
// 同一 (rule, target) 至多一条未清除记录
type Occurrence struct {
	ID       string `json:"id"`
	RuleID   int    `json:"rule_id"`
	TenantID int    `json:"tenant_id"`

	TargetRef model.PointRef `json:"target_ref"`
	State     State          `json:"state"`

	OccurrenceTime time.Time   `json:"occurrence_time"`
	TriggerValue   string      `json:"trigger_value"`
	AlarmLevel     AnalogLevel `json:"alarm_level,omitempty"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`

	AcknowledgedTime    *time.Time `json:"acknowledged_time,omitempty"`
	AcknowledgedBy      string     `json:"acknowledged_by,omitempty"`
	AcknowledgeComment  string     `json:"acknowledge_comment,omitempty"`

	ClearedTime  *time.Time `json:"cleared_time,omitempty"`
	ClearedValue string     `json:"cleared_value,omitempty"`
	ClearComment string     `json:"clear_comment,omitempty"`

	EscalationLevel   int        `json:"escalation_level"`
	NextCheckAt       *time.Time `json:"next_check_at,omitempty"`
	NotificationCount int        `json:"notification_count"`
}

// Open 是否处于未清除状态
func (o *Occurrence) Open() bool {
	return o.State != StateCleared
}

// Evaluation 单次规则评估结果
type Evaluation struct {
	RuleID        int
	TenantID      int
	Timestamp     time.Time
	ShouldTrigger bool
	ShouldClear   bool
	StateChanged  bool
	ConditionMet  string
	AnalogLevel   AnalogLevel
	Severity      Severity
	TriggerValue  string
	Message       string
	Context       map[string]interface{}
}

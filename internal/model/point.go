package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Quality 表示点位值的可信度标签
type Quality string

const (
	QualityGood             Quality = "good"
	QualityBad              Quality = "bad"
	QualityUncertain        Quality = "uncertain"
	QualityNotConnected     Quality = "not_connected"
	QualityCalculationError Quality = "calculation_error"
	QualityStale            Quality = "stale"
)

// IsUsable 判断该质量码的值是否可参与计算
func (q Quality) IsUsable() bool {
	switch q {
	case QualityGood, QualityUncertain:
		return true
	default:
		return false
	}
}

// Worst 返回两个质量码中较差的一个
// 排序：good > uncertain > stale > not_connected > bad > calculation_error
func Worst(a, b Quality) Quality {
	if qualityRank(a) <= qualityRank(b) {
		return a
	}
	return b
}

func qualityRank(q Quality) int {
	switch q {
	case QualityGood:
		return 5
	case QualityUncertain:
		return 4
	case QualityStale:
		return 3
	case QualityNotConnected:
		return 2
	case QualityBad:
		return 1
	case QualityCalculationError:
		return 0
	default:
		return 1
	}
}

// PointKind 点位种类，真实点位与虚拟点位共享整数ID空间，靠种类标签区分
type PointKind string

const (
	KindDataPoint    PointKind = "data_point"
	KindVirtualPoint PointKind = "virtual_point"
	KindConstant     PointKind = "constant"
	KindFormula      PointKind = "formula"
	KindSystem       PointKind = "system"
)

// PointRef 点位引用（种类 + 整数ID）
type PointRef struct {
	Kind PointKind `json:"kind"`
	ID   int       `json:"id"`
}

// DataPointRef 构造真实点位引用
func DataPointRef(id int) PointRef {
	return PointRef{Kind: KindDataPoint, ID: id}
}

// VirtualPointRef 构造虚拟点位引用
func VirtualPointRef(id int) PointRef {
	return PointRef{Kind: KindVirtualPoint, ID: id}
}

// String 返回 "kind:id" 形式，用作map键和NATS主题片段
func (r PointRef) String() string {
	return string(r.Kind) + ":" + strconv.Itoa(r.ID)
}

// IsZero 判断是否为空引用
func (r PointRef) IsZero() bool {
	return r.Kind == "" && r.ID == 0
}

// ParsePointRef 从 "kind:id" 字符串解析点位引用
func ParsePointRef(s string) (PointRef, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			id, err := strconv.Atoi(s[i+1:])
			if err != nil {
				return PointRef{}, fmt.Errorf("解析点位ID失败: %w", err)
			}
			return PointRef{Kind: PointKind(s[:i]), ID: id}, nil
		}
	}
	return PointRef{}, fmt.Errorf("无效的点位引用: %s", s)
}

// PointValue 点位的一次取值快照
type PointValue struct {
	Value       interface{} `json:"value"`
	StringValue string      `json:"string_value,omitempty"`
	Quality     Quality     `json:"quality"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewPointValue 以当前时间构造点位值
func NewPointValue(value interface{}, quality Quality) PointValue {
	return PointValue{
		Value:     value,
		Quality:   quality,
		Timestamp: time.Now(),
	}
}

// IsNull 判断值是否为空
func (v PointValue) IsNull() bool {
	return v.Value == nil
}

// AsFloat 将值转换为float64
func (v PointValue) AsFloat() (float64, bool) {
	return ToFloat64(v.Value)
}

// AsBool 将值转换为bool，数值按非零处理
func (v PointValue) AsBool() (bool, bool) {
	switch val := v.Value.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	default:
		if f, ok := ToFloat64(v.Value); ok {
			return f != 0, true
		}
	}
	return false, false
}

// TelemetryUpdate 总线上流转的遥测更新消息
type TelemetryUpdate struct {
	TenantID int        `json:"tenant_id"`
	Point    PointRef   `json:"point"`
	Value    PointValue `json:"value"`
}

// ToFloat64 尝试把任意值转换为float64
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FormatValue 将值转换为显示用字符串
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

// SuppressionRule 单条抑制规则
// time_based 按星期与时段抑制，condition_based 按辅助点位谓词抑制
type SuppressionRule struct {
	Type string `json:"type"`

	// time_based
	DaysOfWeek []int  `json:"days_of_week,omitempty"` // 0=周日
	StartTime  string `json:"start_time,omitempty"`   // HH:MM
	EndTime    string `json:"end_time,omitempty"`

	// condition_based
	Point    string      `json:"point,omitempty"` // 点位引用，如 data_point:12
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// SuppressionFilter 抑制过滤器
// 规则抑制期间命中的告警不产生记录；解除时条件仍成立则以解除时刻开告警
type SuppressionFilter struct {
	store storage.Store
	now   func() time.Time
}

// NewSuppressionFilter 创建抑制过滤器
func NewSuppressionFilter(store storage.Store) *SuppressionFilter {
	return &SuppressionFilter{store: store, now: time.Now}
}

// Suppressed 判断规则当前是否被抑制
// 抑制规则解析或求值失败时按不抑制处理并记录日志
func (f *SuppressionFilter) Suppressed(ctx context.Context, rule *Rule) bool {
	if rule.SuppressionRules == "" {
		return false
	}
	rules, err := ParseSuppressionRules(rule.SuppressionRules)
	if err != nil {
		log.Warn().Int("rule_id", rule.ID).Err(err).Msg("抑制规则解析失败，按不抑制处理")
		return false
	}
	for _, sr := range rules {
		matched, err := f.match(ctx, &sr)
		if err != nil {
			log.Warn().Int("rule_id", rule.ID).Err(err).Msg("抑制规则求值失败，跳过")
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// LiftTime 计算抑制解除时刻
// time_based 窗口取最近一次结束边界，条件型抑制没有可推导的边界，返回 now
func (f *SuppressionFilter) LiftTime(rule *Rule, now time.Time) time.Time {
	rules, err := ParseSuppressionRules(rule.SuppressionRules)
	if err != nil {
		return now
	}
	var lift time.Time
	for _, sr := range rules {
		if sr.Type != "time_based" || sr.EndTime == "" {
			continue
		}
		end, ok := parseClock(sr.EndTime)
		if !ok {
			continue
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
		if candidate.After(now) {
			candidate = candidate.AddDate(0, 0, -1)
		}
		if candidate.After(lift) {
			lift = candidate
		}
	}
	if lift.IsZero() {
		return now
	}
	return lift
}

// ParseSuppressionRules 解析规则携带的抑制JSON，支持单条对象或数组
func ParseSuppressionRules(raw string) ([]SuppressionRule, error) {
	var rules []SuppressionRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		var single SuppressionRule
		if err2 := json.Unmarshal([]byte(raw), &single); err2 != nil {
			return nil, fmt.Errorf("解析抑制规则失败: %w", err)
		}
		rules = []SuppressionRule{single}
	}
	return rules, nil
}

func (f *SuppressionFilter) match(ctx context.Context, sr *SuppressionRule) (bool, error) {
	switch sr.Type {
	case "time_based":
		return f.matchTimeWindow(sr), nil
	case "condition_based":
		return f.matchCondition(ctx, sr)
	default:
		return false, fmt.Errorf("未知的抑制规则类型: %s", sr.Type)
	}
}

// matchTimeWindow 星期+时段匹配，起始晚于结束表示跨午夜
func (f *SuppressionFilter) matchTimeWindow(sr *SuppressionRule) bool {
	now := f.now()

	if len(sr.DaysOfWeek) > 0 {
		day := int(now.Weekday())
		found := false
		for _, d := range sr.DaysOfWeek {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if sr.StartTime == "" || sr.EndTime == "" {
		return true
	}
	start, ok1 := parseClock(sr.StartTime)
	end, ok2 := parseClock(sr.EndTime)
	if !ok1 || !ok2 {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes <= end
	}
	// 跨午夜时段
	return minutes >= start || minutes <= end
}

// matchCondition 辅助点位当前值与谓词比较
func (f *SuppressionFilter) matchCondition(ctx context.Context, sr *SuppressionRule) (bool, error) {
	ref, err := model.ParsePointRef(sr.Point)
	if err != nil {
		return false, fmt.Errorf("抑制条件点位引用非法: %w", err)
	}
	current, err := f.store.CurrentValue(ctx, ref)
	if err != nil {
		return false, err
	}

	cv, cok := current.AsFloat()
	tv, tok := model.ToFloat64(sr.Value)
	if cok && tok {
		switch sr.Operator {
		case ">":
			return cv > tv, nil
		case ">=":
			return cv >= tv, nil
		case "<":
			return cv < tv, nil
		case "<=":
			return cv <= tv, nil
		case "==", "=":
			return cv == tv, nil
		case "!=":
			return cv != tv, nil
		}
		return false, fmt.Errorf("未知的抑制条件运算符: %s", sr.Operator)
	}

	// 非数值按字符串相等比较
	switch sr.Operator {
	case "==", "=":
		return model.FormatValue(current.Value) == model.FormatValue(sr.Value), nil
	case "!=":
		return model.FormatValue(current.Value) != model.FormatValue(sr.Value), nil
	}
	return false, nil
}

// parseClock 解析 HH:MM 为当日分钟数
func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

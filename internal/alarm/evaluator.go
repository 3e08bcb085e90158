package alarm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/virtualpoint"
)

// ruleState 单条规则的评估状态
type ruleState struct {
	inAlarm      bool
	lastSide     string // 最近一次越限方向 high/low，迟滞判断用
	lastValue    float64
	lastValueAt  time.Time
	hasLastValue bool
	lastDigital  bool
	hasDigital   bool
}

// Evaluator 告警评估器
// 对绑定点位的每次发布同步评估，维护各规则的越限与迟滞状态
type Evaluator struct {
	sandbox *virtualpoint.Sandbox

	mu       sync.Mutex
	states   map[int]*ruleState
	degraded map[int]string // 脚本抛错降级的规则，值为原因
}

// NewEvaluator 创建告警评估器
func NewEvaluator() *Evaluator {
	return &Evaluator{
		sandbox:  virtualpoint.NewSandbox(0),
		states:   make(map[int]*ruleState),
		degraded: make(map[int]string),
	}
}

// Evaluate 评估一条规则
// 返回nil表示本次无状态变化；脚本抛错时规则降级并返回错误
func (e *Evaluator) Evaluate(ctx context.Context, rule *Rule, value model.PointValue) (*Evaluation, error) {
	if e.IsDegraded(rule.ID) {
		return nil, nil
	}

	switch rule.AlarmType {
	case TypeAnalog:
		f, ok := value.AsFloat()
		if !ok {
			return nil, nil
		}
		return e.evaluateAnalog(rule, f, value.Timestamp), nil
	case TypeDigital:
		b, ok := value.AsBool()
		if !ok {
			return nil, nil
		}
		return e.evaluateDigital(rule, b), nil
	case TypeScript:
		return e.evaluateScript(ctx, rule, value)
	default:
		return nil, nil
	}
}

// evaluateAnalog 模拟量四档越限评估
// 档位按 high_high, high, low_low, low 的次序判定，迟滞只约束清除
func (e *Evaluator) evaluateAnalog(rule *Rule, value float64, at time.Time) *Evaluation {
	eval := &Evaluation{
		RuleID:       rule.ID,
		TenantID:     rule.TenantID,
		Timestamp:    time.Now(),
		TriggerValue: model.FormatValue(value),
		Severity:     rule.Severity,
		AnalogLevel:  LevelNormal,
	}

	inAlarm := false
	switch {
	case rule.HighHighLimit != nil && value >= *rule.HighHighLimit:
		inAlarm = true
		eval.AnalogLevel = LevelHighHigh
		eval.ConditionMet = "HIGH_HIGH"
	case rule.HighLimit != nil && value >= *rule.HighLimit:
		inAlarm = true
		eval.AnalogLevel = LevelHigh
		eval.ConditionMet = "HIGH"
	case rule.LowLowLimit != nil && value <= *rule.LowLowLimit:
		inAlarm = true
		eval.AnalogLevel = LevelLowLow
		eval.ConditionMet = "LOW_LOW"
	case rule.LowLimit != nil && value <= *rule.LowLimit:
		inAlarm = true
		eval.AnalogLevel = LevelLow
		eval.ConditionMet = "LOW"
	}
	eval.Severity = eval.AnalogLevel.ForcedSeverity(rule.Severity)

	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateLocked(rule.ID)

	// 变化率越限优先于档位判定之外单独触发
	if !inAlarm && rule.RateOfChange > 0 && state.hasLastValue {
		dt := at.Sub(state.lastValueAt).Seconds()
		if dt > 0 {
			rate := math.Abs(value-state.lastValue) / dt
			if rate > rule.RateOfChange {
				inAlarm = true
				eval.ConditionMet = "RATE_OF_CHANGE"
				eval.Severity = rule.Severity
			}
		}
	}

	// 迟滞：告警转正常时，值必须越过限值一个死区的距离
	hysteresisAllows := true
	if rule.Deadband > 0 && state.inAlarm && !inAlarm {
		switch state.lastSide {
		case "high":
			threshold := limitOr(rule.HighLimit, rule.HighHighLimit)
			hysteresisAllows = value <= threshold-rule.Deadband
		case "low":
			threshold := limitOr(rule.LowLimit, rule.LowLowLimit)
			hysteresisAllows = value >= threshold+rule.Deadband
		}
	}

	switch {
	case inAlarm && !state.inAlarm:
		eval.ShouldTrigger = true
		eval.StateChanged = true
		state.inAlarm = true
	case !inAlarm && state.inAlarm && rule.AutoClear && hysteresisAllows:
		eval.ShouldClear = true
		eval.StateChanged = true
		eval.ConditionMet = "NORMAL"
		state.inAlarm = false
	}

	state.lastValue = value
	state.lastValueAt = at
	state.hasLastValue = true
	switch eval.AnalogLevel {
	case LevelHighHigh, LevelHigh:
		state.lastSide = "high"
	case LevelLowLow, LevelLow:
		state.lastSide = "low"
	}

	eval.Context = map[string]interface{}{
		"current_value": value,
		"deadband":      rule.Deadband,
		"rule_name":     rule.Name,
	}
	eval.Message = e.generateMessage(rule, eval, value)
	return eval
}

// evaluateDigital 数字量按前后状态转移评估
func (e *Evaluator) evaluateDigital(rule *Rule, value bool) *Evaluation {
	eval := &Evaluation{
		RuleID:       rule.ID,
		TenantID:     rule.TenantID,
		Timestamp:    time.Now(),
		TriggerValue: model.FormatValue(value),
		Severity:     rule.Severity,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateLocked(rule.ID)
	last := state.lastDigital

	var triggerNow bool
	switch rule.TriggerCondition {
	case TriggerOnTrue:
		triggerNow = value
		eval.ConditionMet = "DIGITAL_TRUE"
	case TriggerOnFalse:
		triggerNow = !value
		eval.ConditionMet = "DIGITAL_FALSE"
	case TriggerOnRising:
		triggerNow = value && !last && state.hasDigital
		eval.ConditionMet = "DIGITAL_RISING"
	case TriggerOnFalling:
		triggerNow = !value && last && state.hasDigital
		eval.ConditionMet = "DIGITAL_FALLING"
	default: // on_change
		triggerNow = state.hasDigital && value != last
		eval.ConditionMet = "DIGITAL_CHANGE"
	}

	switch {
	case triggerNow && !state.inAlarm:
		eval.ShouldTrigger = true
		eval.StateChanged = true
		state.inAlarm = true
	case !triggerNow && state.inAlarm && rule.AutoClear:
		eval.ShouldClear = true
		eval.StateChanged = true
		eval.ConditionMet = "NORMAL"
		state.inAlarm = false
	}

	state.lastDigital = value
	state.hasDigital = true

	eval.Message = e.generateMessage(rule, eval, value)
	return eval
}

// evaluateScript 条件脚本在沙箱中求值，抛错即降级规则
func (e *Evaluator) evaluateScript(ctx context.Context, rule *Rule, value model.PointValue) (*Evaluation, error) {
	if rule.ConditionScript == "" {
		return nil, nil
	}

	vars := map[string]interface{}{
		"value": value.Value,
	}
	if f, ok := value.AsFloat(); ok {
		vars["value"] = f
	}
	vars["quality"] = string(value.Quality)

	result, err := e.sandbox.Evaluate(ctx, rule.ConditionScript, vars, nil)
	if err != nil {
		e.Degrade(rule.ID, err.Error())
		log.Error().
			Int("rule_id", rule.ID).
			Err(err).
			Msg("告警条件脚本执行失败，规则已降级停用")
		return nil, fmt.Errorf("条件脚本执行失败: %w", err)
	}

	eval := &Evaluation{
		RuleID:       rule.ID,
		TenantID:     rule.TenantID,
		Timestamp:    time.Now(),
		TriggerValue: model.FormatValue(value.Value),
		Severity:     rule.Severity,
	}

	conditionMet := false
	if b, ok := result.(bool); ok {
		conditionMet = b
	} else if f, ok := model.ToFloat64(result); ok {
		conditionMet = f != 0
	}

	e.mu.Lock()
	state := e.stateLocked(rule.ID)
	switch {
	case conditionMet && !state.inAlarm:
		eval.ShouldTrigger = true
		eval.StateChanged = true
		eval.ConditionMet = "SCRIPT"
		state.inAlarm = true
	case !conditionMet && state.inAlarm && rule.AutoClear:
		eval.ShouldClear = true
		eval.StateChanged = true
		eval.ConditionMet = "NORMAL"
		state.inAlarm = false
	}
	e.mu.Unlock()

	eval.Message = e.scriptMessage(ctx, rule, eval, vars)
	return eval, nil
}

// scriptMessage 消息脚本优先，失败回退模板
func (e *Evaluator) scriptMessage(ctx context.Context, rule *Rule, eval *Evaluation, vars map[string]interface{}) string {
	if rule.MessageScript != "" {
		if result, err := e.sandbox.Evaluate(ctx, rule.MessageScript, vars, nil); err == nil {
			return model.FormatValue(result)
		}
		log.Warn().Int("rule_id", rule.ID).Msg("告警消息脚本执行失败，回退默认消息")
	}
	return e.generateMessage(rule, eval, vars["value"])
}

// generateMessage 渲染告警消息
// 有模板时替换 {{name}} {{value}} {{condition}} {{severity}} 占位符，
// 否则按 "规则名 - 条件 (值: x)" 组装
func (e *Evaluator) generateMessage(rule *Rule, eval *Evaluation, value interface{}) string {
	valueStr := model.FormatValue(value)
	if rule.MessageTemplate != "" {
		replacer := strings.NewReplacer(
			"{{name}}", rule.Name,
			"{{value}}", valueStr,
			"{{condition}}", eval.ConditionMet,
			"{{severity}}", string(eval.Severity),
		)
		return replacer.Replace(rule.MessageTemplate)
	}

	message := rule.Name
	if eval.ConditionMet != "" {
		message += " - " + eval.ConditionMet
	}
	return fmt.Sprintf("%s (值: %s)", message, valueStr)
}

// Degrade 将规则标记为降级
func (e *Evaluator) Degrade(ruleID int, reason string) {
	e.mu.Lock()
	e.degraded[ruleID] = reason
	e.mu.Unlock()
}

// IsDegraded 查询规则是否已降级
func (e *Evaluator) IsDegraded(ruleID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.degraded[ruleID]
	return ok
}

// DegradedRules 返回降级规则及原因快照
func (e *Evaluator) DegradedRules() map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]string, len(e.degraded))
	for id, reason := range e.degraded {
		out[id] = reason
	}
	return out
}

// Reset 清除规则的评估状态与降级标记，规则重载时调用
func (e *Evaluator) Reset(ruleID int) {
	e.mu.Lock()
	delete(e.states, ruleID)
	delete(e.degraded, ruleID)
	e.mu.Unlock()
}

// RestoreActive 启动恢复时把未清除告警的越限状态复原
func (e *Evaluator) RestoreActive(ruleID int) {
	e.mu.Lock()
	e.stateLocked(ruleID).inAlarm = true
	e.mu.Unlock()
}

func (e *Evaluator) stateLocked(ruleID int) *ruleState {
	state, ok := e.states[ruleID]
	if !ok {
		state = &ruleState{}
		e.states[ruleID] = state
	}
	return state
}

func limitOr(primary, fallback *float64) float64 {
	if primary != nil {
		return *primary
	}
	if fallback != nil {
		return *fallback
	}
	return 0
}

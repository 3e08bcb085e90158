package alarm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EscalationOverride 升级阶梯单级覆盖项
// 只补充严重度与通知目标，是否升级由规则标量字段决定
type EscalationOverride struct {
	Level      int      `json:"level"`
	Severity   Severity `json:"severity,omitempty"`
	Channels   []string `json:"channels,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// EscalationNotify 升级通知回调
type EscalationNotify func(occ *Occurrence, rule *Rule, override *EscalationOverride)

// RuleLookup 按ID取规则
type RuleLookup func(ruleID int) (*Rule, bool)

// EscalationManager 升级管理器
// 活动且未确认的告警每超过一个确认时限升一级，直到 escalation_max_level；
// next_check_at 随记录持久化，重启后阶梯可恢复
type EscalationManager struct {
	store    OccurrenceStore
	lookup   RuleLookup
	notify   EscalationNotify
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEscalationManager 创建升级管理器，interval<=0 时默认30秒扫描一次
func NewEscalationManager(store OccurrenceStore, lookup RuleLookup, notify EscalationNotify, interval time.Duration) *EscalationManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EscalationManager{
		store:    store,
		lookup:   lookup,
		notify:   notify,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动扫描循环
func (m *EscalationManager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(m.ctx, time.Now())
			case <-m.ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", m.interval).Msg("告警升级管理器启动")
}

// Stop 停止扫描
func (m *EscalationManager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Sweep 执行一轮升级检查，到期的活动未确认告警逐级提升
func (m *EscalationManager) Sweep(ctx context.Context, now time.Time) {
	open, err := m.store.OpenOccurrences(ctx)
	if err != nil {
		log.Error().Err(err).Msg("升级扫描读取未清除告警失败")
		return
	}

	for _, occ := range open {
		if occ.State != StateActive || occ.NextCheckAt == nil || occ.NextCheckAt.After(now) {
			continue
		}
		rule, ok := m.lookup(occ.RuleID)
		if !ok || !rule.EscalationEnabled || rule.AcknowledgeTimeoutMin <= 0 {
			continue
		}
		m.escalate(ctx, occ, rule, now)
	}
}

func (m *EscalationManager) escalate(ctx context.Context, occ *Occurrence, rule *Rule, now time.Time) {
	maxLevel := rule.EscalationMaxLevel
	if maxLevel <= 0 {
		maxLevel = 1
	}
	if occ.EscalationLevel >= maxLevel {
		// 到顶后停表
		occ.NextCheckAt = nil
		if err := m.store.Update(ctx, occ); err != nil {
			log.Error().Err(err).Str("occurrence_id", occ.ID).Msg("升级记录更新失败")
		}
		return
	}

	occ.EscalationLevel++
	override := m.overrideFor(rule, occ.EscalationLevel)
	if override != nil && override.Severity != "" {
		occ.Severity = override.Severity
	}

	if occ.EscalationLevel < maxLevel {
		next := now.Add(time.Duration(rule.AcknowledgeTimeoutMin) * time.Minute)
		occ.NextCheckAt = &next
	} else {
		occ.NextCheckAt = nil
	}

	if err := m.store.Update(ctx, occ); err != nil {
		log.Error().Err(err).Str("occurrence_id", occ.ID).Msg("升级记录更新失败")
		return
	}

	log.Warn().
		Str("occurrence_id", occ.ID).
		Int("rule_id", rule.ID).
		Int("escalation_level", occ.EscalationLevel).
		Msg("告警升级")

	if m.notify != nil {
		m.notify(occ, rule, override)
	}
}

// overrideFor 取指定层级的覆盖项，JSON非法或未配置返回nil
func (m *EscalationManager) overrideFor(rule *Rule, level int) *EscalationOverride {
	if rule.EscalationRules == "" {
		return nil
	}
	var overrides []EscalationOverride
	if err := json.Unmarshal([]byte(rule.EscalationRules), &overrides); err != nil {
		log.Warn().Int("rule_id", rule.ID).Err(err).Msg("升级覆盖规则解析失败")
		return nil
	}
	for i := range overrides {
		if overrides[i].Level == level {
			return &overrides[i]
		}
	}
	return nil
}

package alarm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

// Notifier 通知派发接口，由通知层实现
type Notifier interface {
	Dispatch(ctx context.Context, occ *Occurrence, channels, recipients []string)
}

// RuleProvider 规则查询接口，由注册表实现
type RuleProvider interface {
	Rule(id int) (*Rule, bool)
	RulesForTarget(ref model.PointRef) []*Rule
	Rules() []*Rule
}

// Stats 告警活动累计统计
type Stats struct {
	Triggered     int64 `json:"triggered"`
	Cleared       int64 `json:"cleared"`
	Escalations   int64 `json:"escalations"`
	Notifications int64 `json:"notifications"`
}

// Service 告警服务
// 对每次点位发布同步评估绑定规则，驱动状态机、抑制、升级与通知
type Service struct {
	// 原子计数，需保持64位对齐，置于结构体首部
	triggered     int64
	cleared       int64
	escalations   int64
	notifications int64

	rules       RuleProvider
	evaluator   *Evaluator
	suppression *SuppressionFilter
	machine     *StateMachine
	escalation  *EscalationManager
	store       OccurrenceStore
	notifier    Notifier

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup

	mu sync.Mutex
	// 抑制期间命中的规则，解除抑制且条件仍成立时以解除边界开告警
	pendingSuppressed map[int]*Evaluation
}

// NewService 创建告警服务
func NewService(rules RuleProvider, store OccurrenceStore, telemetry storage.Store, notifier Notifier, escalationInterval time.Duration) *Service {
	if escalationInterval <= 0 {
		escalationInterval = 30 * time.Second
	}
	s := &Service{
		rules:             rules,
		evaluator:         NewEvaluator(),
		suppression:       NewSuppressionFilter(telemetry),
		machine:           NewStateMachine(store),
		store:             store,
		notifier:          notifier,
		sweepInterval:     escalationInterval,
		stopCh:            make(chan struct{}),
		pendingSuppressed: make(map[int]*Evaluation),
	}
	s.escalation = NewEscalationManager(store, rules.Rule, s.onEscalation, escalationInterval)
	return s
}

// Start 启动升级管理与抑制复查，并执行启动恢复
func (s *Service) Start(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}
	s.escalation.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepSuppression(context.Background(), time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop 停止升级管理与抑制复查
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.escalation.Stop()
}

// Recover 启动恢复：重载未清除告警并复原各规则的越限状态
func (s *Service) Recover(ctx context.Context) error {
	open, err := s.store.OpenOccurrences(ctx)
	if err != nil {
		return err
	}
	for _, occ := range open {
		s.evaluator.RestoreActive(occ.RuleID)
	}
	log.Info().Int("count", len(open)).Msg("告警启动恢复完成")
	return nil
}

// HandleValue 处理一次点位发布，同步评估全部绑定规则
func (s *Service) HandleValue(ctx context.Context, ref model.PointRef, value model.PointValue) {
	for _, rule := range s.rules.RulesForTarget(ref) {
		s.evaluateRule(ctx, rule, value)
	}
}

func (s *Service) evaluateRule(ctx context.Context, rule *Rule, value model.PointValue) {
	eval, err := s.evaluator.Evaluate(ctx, rule, value)
	if err != nil {
		// 脚本失败已在评估器内降级，评估循环继续
		return
	}

	suppressed := s.suppression.Suppressed(ctx, rule)

	// 抑制解除且条件仍成立：以窗口结束边界开告警
	if !suppressed {
		s.mu.Lock()
		pending, hasPending := s.pendingSuppressed[rule.ID]
		if hasPending {
			delete(s.pendingSuppressed, rule.ID)
		}
		s.mu.Unlock()
		if hasPending && (eval == nil || !eval.ShouldClear) {
			s.activate(ctx, rule, pending, s.suppression.LiftTime(rule, time.Now()))
		}
	}

	if eval == nil || !eval.StateChanged {
		return
	}

	switch {
	case eval.ShouldTrigger:
		if suppressed {
			s.mu.Lock()
			s.pendingSuppressed[rule.ID] = eval
			s.mu.Unlock()
			log.Debug().Int("rule_id", rule.ID).Msg("告警命中但处于抑制期")
			return
		}
		s.activate(ctx, rule, eval, eval.Timestamp)
	case eval.ShouldClear:
		s.mu.Lock()
		delete(s.pendingSuppressed, rule.ID)
		s.mu.Unlock()
		occ, err := s.machine.ClearByCondition(ctx, rule, eval.TriggerValue)
		if err != nil {
			log.Error().Err(err).Int("rule_id", rule.ID).Msg("告警自动清除失败")
			return
		}
		if occ != nil {
			atomic.AddInt64(&s.cleared, 1)
			s.dispatch(ctx, rule, occ)
		}
	}
}

func (s *Service) activate(ctx context.Context, rule *Rule, eval *Evaluation, at time.Time) {
	occ, created, err := s.machine.Activate(ctx, rule, eval, at)
	if err != nil {
		log.Error().Err(err).Int("rule_id", rule.ID).Msg("告警触发失败")
		return
	}
	if created {
		atomic.AddInt64(&s.triggered, 1)
		s.dispatch(ctx, rule, occ)
	}
}

// sweepSuppression 周期复查抑制窗口，不依赖点位下一次发布：
// 待开规则抑制解除后以解除边界开告警；
// 已开记录随窗口进出在活动/抑制态间切换；
// 活动且配置了重复间隔的记录按间隔重复通知
func (s *Service) sweepSuppression(ctx context.Context, now time.Time) {
	s.mu.Lock()
	pending := make(map[int]*Evaluation, len(s.pendingSuppressed))
	for id, eval := range s.pendingSuppressed {
		pending[id] = eval
	}
	s.mu.Unlock()

	for id, eval := range pending {
		rule, ok := s.rules.Rule(id)
		if !ok || !rule.Enabled {
			s.mu.Lock()
			delete(s.pendingSuppressed, id)
			s.mu.Unlock()
			continue
		}
		if s.suppression.Suppressed(ctx, rule) {
			continue
		}
		s.mu.Lock()
		delete(s.pendingSuppressed, id)
		s.mu.Unlock()
		s.activate(ctx, rule, eval, s.suppression.LiftTime(rule, now))
	}

	open, err := s.store.OpenOccurrences(ctx)
	if err != nil {
		log.Error().Err(err).Msg("抑制复查读取未清除告警失败")
		return
	}
	for _, occ := range open {
		rule, ok := s.rules.Rule(occ.RuleID)
		if !ok {
			continue
		}
		suppressed := rule.SuppressionRules != "" && s.suppression.Suppressed(ctx, rule)
		switch {
		case suppressed && occ.State == StateActive:
			if err := s.machine.MarkSuppressed(ctx, occ.ID); err != nil {
				log.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("告警标记抑制失败")
			}
			continue
		case !suppressed && occ.State == StateSuppressed:
			restored, err := s.machine.Unsuppress(ctx, occ.ID)
			if err != nil {
				log.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("告警解除抑制失败")
				continue
			}
			occ = restored
		}

		if occ.State == StateActive && rule.NotificationEnabled && rule.RepeatIntervalMin > 0 {
			due := occ.OccurrenceTime.Add(time.Duration(occ.NotificationCount*rule.RepeatIntervalMin) * time.Minute)
			if !now.Before(due) {
				s.dispatch(ctx, rule, occ)
			}
		}
	}
}

// dispatch 按规则通知配置派发
func (s *Service) dispatch(ctx context.Context, rule *Rule, occ *Occurrence) {
	if s.notifier == nil || !rule.NotificationEnabled {
		return
	}
	s.notifier.Dispatch(ctx, occ, rule.NotificationChannels, rule.NotificationRecipients)
	atomic.AddInt64(&s.notifications, 1)
	occ.NotificationCount++
	if err := s.store.Update(ctx, occ); err != nil {
		log.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("通知计数更新失败")
	}
}

// onEscalation 升级回调：按覆盖项或规则默认配置重新通知
func (s *Service) onEscalation(occ *Occurrence, rule *Rule, override *EscalationOverride) {
	atomic.AddInt64(&s.escalations, 1)
	if s.notifier == nil {
		return
	}
	channels := rule.NotificationChannels
	recipients := rule.NotificationRecipients
	if override != nil {
		if len(override.Channels) > 0 {
			channels = override.Channels
		}
		if len(override.Recipients) > 0 {
			recipients = override.Recipients
		}
	}
	ctx := context.Background()
	s.notifier.Dispatch(ctx, occ, channels, recipients)
	atomic.AddInt64(&s.notifications, 1)
	occ.NotificationCount++
	if err := s.store.Update(ctx, occ); err != nil {
		log.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("通知计数更新失败")
	}
}

// Acknowledge 确认告警
func (s *Service) Acknowledge(ctx context.Context, occurrenceID, user, comment string) (*Occurrence, error) {
	occ, err := s.machine.Acknowledge(ctx, occurrenceID, user, comment)
	if err != nil {
		return nil, err
	}
	if rule, ok := s.rules.Rule(occ.RuleID); ok {
		s.dispatch(ctx, rule, occ)
	}
	return occ, nil
}

// Clear 手动清除告警
func (s *Service) Clear(ctx context.Context, occurrenceID, user, comment string) (*Occurrence, error) {
	occ, err := s.machine.Clear(ctx, occurrenceID, user, comment)
	if err != nil {
		return nil, err
	}
	s.evaluator.Reset(occ.RuleID)
	atomic.AddInt64(&s.cleared, 1)
	if rule, ok := s.rules.Rule(occ.RuleID); ok {
		s.dispatch(ctx, rule, occ)
	}
	return occ, nil
}

// ReloadRule 规则重载时清状态
func (s *Service) ReloadRule(ruleID int) {
	s.evaluator.Reset(ruleID)
	s.mu.Lock()
	delete(s.pendingSuppressed, ruleID)
	s.mu.Unlock()
}

// DegradedRules 返回降级规则快照
func (s *Service) DegradedRules() map[int]string {
	return s.evaluator.DegradedRules()
}

// Occurrence 按ID查记录
func (s *Service) Occurrence(ctx context.Context, id string) (*Occurrence, error) {
	return s.store.Get(ctx, id)
}

// OpenOccurrences 查全部未清除记录
func (s *Service) OpenOccurrences(ctx context.Context) ([]*Occurrence, error) {
	return s.store.OpenOccurrences(ctx)
}

// Stats 返回累计统计快照
func (s *Service) Stats() Stats {
	return Stats{
		Triggered:     atomic.LoadInt64(&s.triggered),
		Cleared:       atomic.LoadInt64(&s.cleared),
		Escalations:   atomic.LoadInt64(&s.escalations),
		Notifications: atomic.LoadInt64(&s.notifications),
	}
}

// OpenCount 未清除记录数，监控上报用
func (s *Service) OpenCount(ctx context.Context) int {
	open, err := s.store.OpenOccurrences(ctx)
	if err != nil {
		return 0
	}
	return len(open)
}

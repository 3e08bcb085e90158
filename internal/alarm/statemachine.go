package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
)

// StateMachine 告警生命周期状态机
// normal→active→acknowledged→cleared，auto_clear 允许 active 直达 cleared；
// 同一 (规则,目标) 的激活幂等，并发触发在键锁下合并
type StateMachine struct {
	store OccurrenceStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStateMachine 创建状态机
func NewStateMachine(store OccurrenceStore) *StateMachine {
	return &StateMachine{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *StateMachine) keyLock(ruleID int, target model.PointRef) *sync.Mutex {
	key := fmt.Sprintf("%d/%s", ruleID, target.String())
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Activate 打开告警记录
// 已有未清除记录时返回该记录且 created=false，不产生重复告警
func (m *StateMachine) Activate(ctx context.Context, rule *Rule, eval *Evaluation, at time.Time) (*Occurrence, bool, error) {
	target := rule.TargetRef()
	lock := m.keyLock(rule.ID, target)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.OpenByRuleTarget(ctx, rule.ID, target)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrOccurrenceNotFound) {
		return nil, false, fmt.Errorf("查询未清除告警失败: %w", err)
	}

	occ := &Occurrence{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		TenantID:       rule.TenantID,
		TargetRef:      target,
		State:          StateActive,
		OccurrenceTime: at,
		TriggerValue:   eval.TriggerValue,
		AlarmLevel:     eval.AnalogLevel,
		Severity:       eval.Severity,
		Message:        eval.Message,
	}

	if rule.AutoAcknowledge {
		now := time.Now()
		occ.State = StateAcknowledged
		occ.AcknowledgedTime = &now
		occ.AcknowledgedBy = "system"
	} else if rule.EscalationEnabled && rule.AcknowledgeTimeoutMin > 0 {
		next := at.Add(time.Duration(rule.AcknowledgeTimeoutMin) * time.Minute)
		occ.NextCheckAt = &next
	}

	if err := m.store.Insert(ctx, occ); err != nil {
		return nil, false, fmt.Errorf("写入告警记录失败: %w", err)
	}

	log.Info().
		Str("occurrence_id", occ.ID).
		Int("rule_id", rule.ID).
		Str("severity", string(occ.Severity)).
		Str("message", occ.Message).
		Msg("告警触发")
	return occ, true, nil
}

// Acknowledge 确认告警，终态或已确认时返回 StateTransitionError
func (m *StateMachine) Acknowledge(ctx context.Context, occurrenceID, user, comment string) (*Occurrence, error) {
	occ, err := m.store.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}

	lock := m.keyLock(occ.RuleID, occ.TargetRef)
	lock.Lock()
	defer lock.Unlock()

	occ, err = m.store.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}
	if occ.State != StateActive && occ.State != StateSuppressed {
		return nil, NewStateTransitionError(occurrenceID, occ.State, "acknowledge")
	}

	now := time.Now()
	occ.State = StateAcknowledged
	occ.AcknowledgedTime = &now
	occ.AcknowledgedBy = user
	occ.AcknowledgeComment = comment
	occ.NextCheckAt = nil // 升级阶梯随确认取消

	if err := m.store.Update(ctx, occ); err != nil {
		return nil, fmt.Errorf("更新告警记录失败: %w", err)
	}
	log.Info().Str("occurrence_id", occurrenceID).Str("user", user).Msg("告警已确认")
	return occ, nil
}

// ClearByCondition 条件恢复触发的自动清除，锁存规则不自动清除
func (m *StateMachine) ClearByCondition(ctx context.Context, rule *Rule, clearedValue string) (*Occurrence, error) {
	if rule.IsLatched {
		return nil, nil
	}
	target := rule.TargetRef()
	lock := m.keyLock(rule.ID, target)
	lock.Lock()
	defer lock.Unlock()

	occ, err := m.store.OpenByRuleTarget(ctx, rule.ID, target)
	if err != nil {
		if errors.Is(err, ErrOccurrenceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m.clearLocked(ctx, occ, clearedValue, "", "条件恢复自动清除")
}

// Clear 手动清除，终态时返回 StateTransitionError
func (m *StateMachine) Clear(ctx context.Context, occurrenceID, user, comment string) (*Occurrence, error) {
	occ, err := m.store.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}

	lock := m.keyLock(occ.RuleID, occ.TargetRef)
	lock.Lock()
	defer lock.Unlock()

	occ, err = m.store.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}
	if occ.State.Terminal() {
		return nil, NewStateTransitionError(occurrenceID, occ.State, "clear")
	}
	return m.clearLocked(ctx, occ, "", user, comment)
}

func (m *StateMachine) clearLocked(ctx context.Context, occ *Occurrence, clearedValue, user, comment string) (*Occurrence, error) {
	now := time.Now()
	occ.State = StateCleared
	occ.ClearedTime = &now
	occ.ClearedValue = clearedValue
	occ.ClearComment = comment
	occ.NextCheckAt = nil

	if err := m.store.Update(ctx, occ); err != nil {
		return nil, fmt.Errorf("更新告警记录失败: %w", err)
	}
	log.Info().
		Str("occurrence_id", occ.ID).
		Int("rule_id", occ.RuleID).
		Str("user", user).
		Msg("告警已清除")
	return occ, nil
}

// MarkSuppressed 把未清除记录标记为抑制态
func (m *StateMachine) MarkSuppressed(ctx context.Context, occurrenceID string) error {
	occ, err := m.store.Get(ctx, occurrenceID)
	if err != nil {
		return err
	}
	if occ.State.Terminal() {
		return NewStateTransitionError(occurrenceID, occ.State, "suppress")
	}
	occ.State = StateSuppressed
	return m.store.Update(ctx, occ)
}

// Unsuppress 抑制窗口结束后把抑制态记录恢复为活动态
func (m *StateMachine) Unsuppress(ctx context.Context, occurrenceID string) (*Occurrence, error) {
	occ, err := m.store.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}

	lock := m.keyLock(occ.RuleID, occ.TargetRef)
	lock.Lock()
	defer lock.Unlock()

	occ, err = m.store.Get(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}
	if occ.State != StateSuppressed {
		return occ, nil
	}
	occ.State = StateActive
	if err := m.store.Update(ctx, occ); err != nil {
		return nil, fmt.Errorf("更新告警记录失败: %w", err)
	}
	log.Info().Str("occurrence_id", occurrenceID).Msg("告警解除抑制，恢复活动态")
	return occ, nil
}

// Open 返回 (规则,目标) 的未清除记录
func (m *StateMachine) Open(ctx context.Context, ruleID int, target model.PointRef) (*Occurrence, error) {
	return m.store.OpenByRuleTarget(ctx, ruleID, target)
}

package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeEval(rule *Rule) *Evaluation {
	return &Evaluation{
		RuleID:        rule.ID,
		TenantID:      rule.TenantID,
		Timestamp:     time.Now(),
		ShouldTrigger: true,
		StateChanged:  true,
		ConditionMet:  "HIGH",
		AnalogLevel:   LevelHigh,
		Severity:      SeverityMedium,
		TriggerValue:  "85",
		Message:       "温度过高 - HIGH (值: 85)",
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	ctx := context.Background()

	first, created, err := m.Activate(ctx, rule, activeEval(rule), time.Now())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StateActive, first.State)
	assert.NotEmpty(t, first.ID)

	second, created, err := m.Activate(ctx, rule, activeEval(rule), time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestAcknowledgeLifecycle(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	ctx := context.Background()

	occ, _, err := m.Activate(ctx, rule, activeEval(rule), time.Now())
	require.NoError(t, err)

	acked, err := m.Acknowledge(ctx, occ.ID, "operator", "已通知现场")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)
	assert.Equal(t, "operator", acked.AcknowledgedBy)
	assert.Nil(t, acked.NextCheckAt)

	// 重复确认是非法迁移
	_, err = m.Acknowledge(ctx, occ.ID, "operator", "")
	require.Error(t, err)
	assert.True(t, IsStateTransitionError(err))

	cleared, err := m.Clear(ctx, occ.ID, "operator", "处理完毕")
	require.NoError(t, err)
	assert.Equal(t, StateCleared, cleared.State)

	// 终态后清除与确认都被拒绝
	_, err = m.Clear(ctx, occ.ID, "operator", "")
	require.Error(t, err)
	assert.True(t, IsStateTransitionError(err))
	_, err = m.Acknowledge(ctx, occ.ID, "operator", "")
	require.Error(t, err)
	assert.True(t, IsStateTransitionError(err))
}

func TestClearByCondition(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	ctx := context.Background()

	occ, _, err := m.Activate(ctx, rule, activeEval(rule), time.Now())
	require.NoError(t, err)

	cleared, err := m.ClearByCondition(ctx, rule, "77")
	require.NoError(t, err)
	require.NotNil(t, cleared)
	assert.Equal(t, occ.ID, cleared.ID)
	assert.Equal(t, StateCleared, cleared.State)
	assert.Equal(t, "77", cleared.ClearedValue)

	// 无未清除记录时为空操作
	cleared, err = m.ClearByCondition(ctx, rule, "77")
	require.NoError(t, err)
	assert.Nil(t, cleared)
}

func TestLatchedRuleBlocksConditionClear(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	rule.IsLatched = true
	ctx := context.Background()

	occ, _, err := m.Activate(ctx, rule, activeEval(rule), time.Now())
	require.NoError(t, err)

	cleared, err := m.ClearByCondition(ctx, rule, "77")
	require.NoError(t, err)
	assert.Nil(t, cleared)

	// 手动清除仍然允许
	manual, err := m.Clear(ctx, occ.ID, "operator", "人工确认后清除")
	require.NoError(t, err)
	assert.Equal(t, StateCleared, manual.State)
}

func TestAutoAcknowledge(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	rule.AutoAcknowledge = true

	occ, created, err := m.Activate(context.Background(), rule, activeEval(rule), time.Now())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StateAcknowledged, occ.State)
	assert.Equal(t, "system", occ.AcknowledgedBy)
}

func TestActivateSchedulesEscalation(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	rule.EscalationEnabled = true
	rule.AcknowledgeTimeoutMin = 10

	at := time.Now()
	occ, _, err := m.Activate(context.Background(), rule, activeEval(rule), at)
	require.NoError(t, err)
	require.NotNil(t, occ.NextCheckAt)
	assert.WithinDuration(t, at.Add(10*time.Minute), *occ.NextCheckAt, time.Second)
}

func TestMarkSuppressed(t *testing.T) {
	store := NewMemoryOccurrenceStore()
	m := NewStateMachine(store)
	rule := analogRule(1)
	ctx := context.Background()

	occ, _, err := m.Activate(ctx, rule, activeEval(rule), time.Now())
	require.NoError(t, err)

	require.NoError(t, m.MarkSuppressed(ctx, occ.ID))
	got, err := store.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuppressed, got.State)

	// 抑制态可以确认
	_, err = m.Acknowledge(ctx, occ.ID, "operator", "")
	require.NoError(t, err)
}

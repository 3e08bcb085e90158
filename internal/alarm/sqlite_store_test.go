package alarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/engine/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteOccurrenceStore {
	t.Helper()
	store, err := NewSQLiteOccurrenceStore(filepath.Join(t.TempDir(), "alarms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleOccurrence() *Occurrence {
	return &Occurrence{
		ID:             uuid.NewString(),
		RuleID:         7,
		TenantID:       1,
		TargetRef:      model.DataPointRef(100),
		State:          StateActive,
		OccurrenceTime: time.Now().Truncate(time.Second),
		TriggerValue:   "85",
		AlarmLevel:     LevelHigh,
		Severity:       SeverityMedium,
		Message:        "温度过高 - HIGH (值: 85)",
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	occ := sampleOccurrence()
	next := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	occ.NextCheckAt = &next
	require.NoError(t, store.Insert(ctx, occ))

	got, err := store.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, occ.RuleID, got.RuleID)
	assert.Equal(t, occ.TargetRef, got.TargetRef)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, occ.Message, got.Message)
	require.NotNil(t, got.NextCheckAt)
	assert.WithinDuration(t, next, *got.NextCheckAt, time.Second)

	// 状态迁移写回
	now := time.Now().Truncate(time.Second)
	got.State = StateAcknowledged
	got.AcknowledgedTime = &now
	got.AcknowledgedBy = "operator"
	got.NextCheckAt = nil
	got.EscalationLevel = 1
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, again.State)
	assert.Equal(t, "operator", again.AcknowledgedBy)
	assert.Equal(t, 1, again.EscalationLevel)
	assert.Nil(t, again.NextCheckAt)
}

func TestSQLiteStoreOpenByRuleTarget(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	occ := sampleOccurrence()
	require.NoError(t, store.Insert(ctx, occ))

	found, err := store.OpenByRuleTarget(ctx, occ.RuleID, occ.TargetRef)
	require.NoError(t, err)
	assert.Equal(t, occ.ID, found.ID)

	// 其他目标查不到
	_, err = store.OpenByRuleTarget(ctx, occ.RuleID, model.DataPointRef(999))
	assert.ErrorIs(t, err, ErrOccurrenceNotFound)

	// 清除后不再视为未清除
	now := time.Now()
	found.State = StateCleared
	found.ClearedTime = &now
	require.NoError(t, store.Update(ctx, found))
	_, err = store.OpenByRuleTarget(ctx, occ.RuleID, occ.TargetRef)
	assert.ErrorIs(t, err, ErrOccurrenceNotFound)
}

func TestSQLiteStoreOpenOccurrences(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	active := sampleOccurrence()
	require.NoError(t, store.Insert(ctx, active))

	cleared := sampleOccurrence()
	cleared.TargetRef = model.DataPointRef(101)
	cleared.State = StateCleared
	require.NoError(t, store.Insert(ctx, cleared))

	open, err := store.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, active.ID, open[0].ID)
}

func TestSQLiteStoreUpdateMissing(t *testing.T) {
	store := newSQLiteStore(t)
	occ := sampleOccurrence()
	err := store.Update(context.Background(), occ)
	assert.ErrorIs(t, err, ErrOccurrenceNotFound)
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrOccurrenceNotFound)
}

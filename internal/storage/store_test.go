package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/engine/internal/model"
)

func TestMemoryStoreCurrentValue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := model.DataPointRef(1)

	_, err := store.CurrentValue(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PublishValue(ctx, ref, model.NewPointValue(42.0, model.QualityGood)))
	require.NoError(t, store.PublishValue(ctx, ref, model.NewPointValue(43.5, model.QualityGood)))

	got, err := store.CurrentValue(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 43.5, got.Value)
	assert.Equal(t, model.QualityGood, got.Quality)
}

func TestMemoryStoreHistoryWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := model.DataPointRef(1)
	now := time.Now()

	publish := func(v float64, age time.Duration) {
		pv := model.NewPointValue(v, model.QualityGood)
		pv.Timestamp = now.Add(-age)
		require.NoError(t, store.PublishValue(ctx, ref, pv))
	}

	publish(1, 2*time.Hour)
	publish(2, 30*time.Minute)
	publish(3, time.Minute)

	hist, err := store.History(ctx, ref, time.Hour)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 2.0, hist[0].Value)
	assert.Equal(t, 3.0, hist[1].Value)

	// 窗口外无数据
	other := model.DataPointRef(2)
	hist, err = store.History(ctx, other, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestMemoryStoreHistoryCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := model.DataPointRef(1)

	for i := 0; i < historyCap+10; i++ {
		require.NoError(t, store.PublishValue(ctx, ref, model.NewPointValue(float64(i), model.QualityGood)))
	}

	hist, err := store.History(ctx, ref, 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, hist, historyCap)
	// 淘汰最旧的条目
	assert.Equal(t, 10.0, hist[0].Value)
}

func TestMemoryStoreZeroTimestampDefaulted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := model.DataPointRef(1)

	require.NoError(t, store.PublishValue(ctx, ref, model.PointValue{Value: 1.0, Quality: model.QualityGood}))
	got, err := store.CurrentValue(ctx, ref)
	require.NoError(t, err)
	assert.False(t, got.Timestamp.IsZero())
}

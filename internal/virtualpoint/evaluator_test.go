package virtualpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

func efficiencyDef() *Definition {
	return &Definition{
		ID:       1,
		TenantID: 1,
		Name:     "Efficiency",
		Formula:  "production / target * 100",
		Trigger:  TriggerOnChange,
		Enabled:  true,
		Inputs: []*Input{
			{VariableName: "production", SourceType: model.KindDataPoint, SourceID: 100, IsRequired: true},
			{VariableName: "target", SourceType: model.KindConstant, ConstantValue: 1000.0},
		},
	}
}

func TestEvaluateEfficiency(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityGood)

	e := NewEvaluator(store, NewCache())
	value, err := e.Evaluate(context.Background(), efficiencyDef(), false)
	require.NoError(t, err)

	assert.InDelta(t, 85.0, value.Value, 1e-9)
	assert.Equal(t, model.QualityGood, value.Quality)
	assert.Equal(t, int64(1), value.SuccessCount)
	assert.Empty(t, value.LastError)
}

func TestEvaluateWorstInputQuality(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityUncertain)

	def := efficiencyDef()
	def.Inputs[0].QualityFilter = FilterGoodOrUncertain

	e := NewEvaluator(store, NewCache())
	value, err := e.Evaluate(context.Background(), def, false)
	require.NoError(t, err)
	assert.Equal(t, model.QualityUncertain, value.Quality)
}

func TestEvaluateCacheReuse(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityGood)

	def := efficiencyDef()
	def.CacheDurationMS = 60_000

	e := NewEvaluator(store, NewCache())
	first, err := e.Evaluate(context.Background(), def, true)
	require.NoError(t, err)

	// 输入变了，但TTL内命中缓存
	publish(t, store, model.DataPointRef(100), 500.0, model.QualityGood)
	second, err := e.Evaluate(context.Background(), def, true)
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)

	// useCache=false 绕过缓存
	third, err := e.Evaluate(context.Background(), def, false)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, third.Value, 1e-9)
}

func TestEvaluateErrorPolicies(t *testing.T) {
	newDef := func(policy ErrorHandling) *Definition {
		def := efficiencyDef()
		def.ErrorHandling = policy
		return def
	}

	t.Run("return_null", func(t *testing.T) {
		e := NewEvaluator(storage.NewMemoryStore(), NewCache())
		value, err := e.Evaluate(context.Background(), newDef(ErrorReturnNull), false)
		require.NoError(t, err)
		assert.Nil(t, value.Value)
		assert.Equal(t, model.QualityCalculationError, value.Quality)
		assert.NotEmpty(t, value.LastError)
		assert.Equal(t, int64(1), value.ErrorCount)
	})

	t.Run("return_zero", func(t *testing.T) {
		e := NewEvaluator(storage.NewMemoryStore(), NewCache())
		value, err := e.Evaluate(context.Background(), newDef(ErrorReturnZero), false)
		require.NoError(t, err)
		assert.Equal(t, float64(0), value.Value)
		assert.Equal(t, model.QualityUncertain, value.Quality)
	})

	t.Run("return_previous", func(t *testing.T) {
		store := storage.NewMemoryStore()
		publish(t, store, model.DataPointRef(100), 850.0, model.QualityGood)

		e := NewEvaluator(store, NewCache())
		def := newDef(ErrorReturnPrevious)
		first, err := e.Evaluate(context.Background(), def, false)
		require.NoError(t, err)
		assert.InDelta(t, 85.0, first.Value, 1e-9)

		// 输入消失，回退上次结果，质量保持不变
		broken := newDef(ErrorReturnPrevious)
		broken.Inputs[0].SourceID = 999
		second, err := e.Evaluate(context.Background(), broken, false)
		require.NoError(t, err)
		assert.Equal(t, first.Value, second.Value)
		assert.Equal(t, model.QualityGood, second.Quality)
		assert.Equal(t, int64(1), second.ErrorCount)
	})

	t.Run("throw_error", func(t *testing.T) {
		e := NewEvaluator(storage.NewMemoryStore(), NewCache())
		value, err := e.Evaluate(context.Background(), newDef(ErrorThrow), false)
		require.Error(t, err)
		assert.Nil(t, value.Value)
		assert.Equal(t, model.QualityCalculationError, value.Quality)
	})
}

func TestEvaluateTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityGood)

	def := efficiencyDef()
	def.TimeoutMS = 1

	assert.Equal(t, time.Millisecond, def.Timeout())
}

func TestEvaluatorForget(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityGood)

	cache := NewCache()
	e := NewEvaluator(store, cache)
	def := efficiencyDef()
	def.CacheDurationMS = 60_000

	_, err := e.Evaluate(context.Background(), def, false)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	e.Forget(def.ID)
	assert.Equal(t, 0, cache.Len())
	assert.Nil(t, e.lastValue(def.ID))
}

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

func publish(t *testing.T, store storage.Store, ref model.PointRef, value interface{}, quality model.Quality) {
	t.Helper()
	require.NoError(t, store.PublishValue(context.Background(), ref, model.NewPointValue(value, quality)))
}

func TestResolveConstantAndCurrent(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityGood)

	def := &Definition{
		ID: 1,
		Inputs: []*Input{
			{VariableName: "production", SourceType: model.KindDataPoint, SourceID: 100},
			{VariableName: "target", SourceType: model.KindConstant, ConstantValue: 1000.0},
		},
	}

	r := NewInputResolver(store)
	resolved, err := r.Resolve(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 850.0, resolved.vars["production"])
	assert.Equal(t, 1000.0, resolved.vars["target"])
	assert.Equal(t, model.QualityGood, resolved.quality)
}

func TestResolveScaling(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 20.0, model.QualityGood)

	def := &Definition{
		ID: 1,
		Inputs: []*Input{
			{
				VariableName:  "temp_f",
				SourceType:    model.KindDataPoint,
				SourceID:      100,
				ScalingFactor: 1.8,
				ScalingOffset: 32,
			},
		},
	}

	resolved, err := NewInputResolver(store).Resolve(context.Background(), def)
	require.NoError(t, err)
	assert.InDelta(t, 68.0, resolved.vars["temp_f"], 1e-9)
}

func TestResolveQualityFilter(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, model.DataPointRef(100), 850.0, model.QualityBad)

	r := NewInputResolver(store)

	// 必需输入被过滤且无默认值时报错
	required := &Definition{ID: 1, Inputs: []*Input{
		{VariableName: "v", SourceType: model.KindDataPoint, SourceID: 100, IsRequired: true},
	}}
	_, err := r.Resolve(context.Background(), required)
	require.Error(t, err)
	assert.Equal(t, ErrCodeQuality, CodeOf(err))

	// 有默认值时回退默认值
	withDefault := &Definition{ID: 2, Inputs: []*Input{
		{VariableName: "v", SourceType: model.KindDataPoint, SourceID: 100, DefaultValue: 42.0},
	}}
	resolved, err := r.Resolve(context.Background(), withDefault)
	require.NoError(t, err)
	assert.Equal(t, 42.0, resolved.vars["v"])

	// 可选输入降级为null
	optional := &Definition{ID: 3, Inputs: []*Input{
		{VariableName: "v", SourceType: model.KindDataPoint, SourceID: 100},
	}}
	resolved, err = r.Resolve(context.Background(), optional)
	require.NoError(t, err)
	assert.Nil(t, resolved.vars["v"])

	// any 过滤放行坏质量值
	anyFilter := &Definition{ID: 4, Inputs: []*Input{
		{VariableName: "v", SourceType: model.KindDataPoint, SourceID: 100, QualityFilter: FilterAny},
	}}
	resolved, err = r.Resolve(context.Background(), anyFilter)
	require.NoError(t, err)
	assert.Equal(t, 850.0, resolved.vars["v"])
	assert.Equal(t, model.QualityBad, resolved.quality)
}

func TestResolveMissingRequired(t *testing.T) {
	store := storage.NewMemoryStore()
	def := &Definition{ID: 1, Inputs: []*Input{
		{VariableName: "v", SourceType: model.KindDataPoint, SourceID: 999, IsRequired: true},
	}}

	_, err := NewInputResolver(store).Resolve(context.Background(), def)
	require.Error(t, err)
	assert.Equal(t, ErrCodeMissingDependency, CodeOf(err))
}

func TestResolveWindowAverage(t *testing.T) {
	store := storage.NewMemoryStore()
	ref := model.DataPointRef(100)
	base := time.Now().Add(-30 * time.Second)
	samples := []struct {
		value   float64
		quality model.Quality
	}{
		{10, model.QualityGood},
		{999, model.QualityBad}, // 坏质量样本不参与窗口
		{20, model.QualityGood},
		{30, model.QualityGood},
	}
	for i, s := range samples {
		pv := model.PointValue{Value: s.value, Quality: s.quality, Timestamp: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.PublishValue(context.Background(), ref, pv))
	}

	def := &Definition{ID: 1, Inputs: []*Input{
		{
			VariableName:      "v",
			SourceType:        model.KindDataPoint,
			SourceID:          100,
			DataProcessing:    ProcessAverage,
			TimeWindowSeconds: 60,
			QualityFilter:     FilterGoodOnly,
		},
	}}

	resolved, err := NewInputResolver(store).Resolve(context.Background(), def)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, resolved.vars["v"], 1e-9)
	assert.Equal(t, []float64{10, 20, 30}, resolved.windows["v"])
}

func TestReduceWindowEmptyCount(t *testing.T) {
	in := &Input{VariableName: "v", DataProcessing: ProcessCount}
	got, err := reduceWindow(in, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), got)
}

package virtualpoint

import (
	"context"
	"errors"
	"time"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

// resolvedInputs 一次计算的已解析输入集
type resolvedInputs struct {
	vars    map[string]interface{}
	windows map[string][]float64
	quality model.Quality // 所有参与输入的最差质量
}

// InputResolver 输入解析器
// 按定义中的绑定从存储取值：质量过滤、缺值回退、线性缩放、窗口加工
type InputResolver struct {
	store storage.Store
}

// NewInputResolver 创建输入解析器
func NewInputResolver(store storage.Store) *InputResolver {
	return &InputResolver{store: store}
}

// Resolve 解析定义的全部输入
// 必需输入缺失或被质量过滤且无默认值时返回错误，可选输入降级为null
func (r *InputResolver) Resolve(ctx context.Context, def *Definition) (*resolvedInputs, error) {
	out := &resolvedInputs{
		vars:    make(map[string]interface{}, len(def.Inputs)),
		windows: make(map[string][]float64),
		quality: model.QualityGood,
	}

	for _, in := range def.Inputs {
		if in.SourceType == model.KindConstant {
			out.vars[in.VariableName] = scaleValue(in, in.ConstantValue)
			continue
		}

		value, err := r.resolveOne(ctx, in, out)
		if err != nil {
			return nil, err
		}
		out.vars[in.VariableName] = value
	}
	return out, nil
}

// resolveOne 解析单个非常量输入并合并质量
func (r *InputResolver) resolveOne(ctx context.Context, in *Input, out *resolvedInputs) (interface{}, error) {
	filter := in.QualityFilter
	if filter == "" {
		filter = FilterGoodOnly
	}

	current, err := r.store.CurrentValue(ctx, in.SourceRef())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, NewEvaluationError("读取输入失败", err).WithContext("variable", in.VariableName)
		}
		return r.fallback(in, "not_connected")
	}

	if !filter.Accepts(current.Quality) {
		return r.fallback(in, string(current.Quality))
	}

	out.quality = model.Worst(out.quality, current.Quality)

	// 窗口加工：从历史取窗口并归约
	if in.DataProcessing != "" && in.DataProcessing != ProcessCurrent {
		window, err := r.loadWindow(ctx, in, filter)
		if err != nil {
			return nil, err
		}
		out.windows[in.VariableName] = window
		return reduceWindow(in, window)
	}

	// 当前值同样缓存一份单元素窗口，供公式里的聚合函数使用
	if f, ok := model.ToFloat64(current.Value); ok {
		out.windows[in.VariableName] = []float64{applyScaling(in, f)}
	}
	return scaleValue(in, current.Value), nil
}

// fallback 输入不可用时的回退：默认值优先，必需输入报错，可选输入置null
func (r *InputResolver) fallback(in *Input, quality string) (interface{}, error) {
	if in.DefaultValue != nil {
		return scaleValue(in, in.DefaultValue), nil
	}
	if in.IsRequired {
		if quality == "not_connected" {
			return nil, NewMissingDependencyError(in.VariableName)
		}
		return nil, NewQualityError(in.VariableName, quality)
	}
	return nil, nil
}

// loadWindow 拉取时间窗口内通过质量过滤的数值序列
func (r *InputResolver) loadWindow(ctx context.Context, in *Input, filter QualityFilter) ([]float64, error) {
	seconds := in.TimeWindowSeconds
	if seconds <= 0 {
		seconds = 60
	}
	history, err := r.store.History(ctx, in.SourceRef(), time.Duration(seconds)*time.Second)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, NewEvaluationError("读取输入历史失败", err).WithContext("variable", in.VariableName)
	}

	window := make([]float64, 0, len(history))
	for _, pv := range history {
		if !filter.Accepts(pv.Quality) {
			continue
		}
		if f, ok := model.ToFloat64(pv.Value); ok {
			window = append(window, applyScaling(in, f))
		}
	}
	return window, nil
}

// reduceWindow 按 data_processing 归约窗口，空窗口按不可用回退
func reduceWindow(in *Input, window []float64) (interface{}, error) {
	if len(window) == 0 {
		if in.DataProcessing == ProcessCount {
			return float64(0), nil
		}
		if in.DefaultValue != nil {
			return scaleValue(in, in.DefaultValue), nil
		}
		if in.IsRequired {
			return nil, NewMissingDependencyError(in.VariableName)
		}
		return nil, nil
	}

	var (
		result float64
		err    error
	)
	switch in.DataProcessing {
	case ProcessAverage:
		result, err = reduceAverage(window)
	case ProcessMin:
		result, err = reduceMin(window)
	case ProcessMax:
		result, err = reduceMax(window)
	case ProcessSum:
		result, err = reduceSum(window)
	case ProcessCount:
		result = float64(len(window))
	case ProcessStdDev:
		result, err = reduceStdDev(window)
	case ProcessMedian:
		result, err = reduceMedian(window)
	default:
		return nil, NewConfigurationError("未知的数据加工方式: %s", in.DataProcessing)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyScaling 线性缩放，scaling_factor 未配置时视为1
func applyScaling(in *Input, v float64) float64 {
	factor := in.ScalingFactor
	if factor == 0 {
		factor = 1
	}
	return v*factor + in.ScalingOffset
}

// scaleValue 对数值型输入应用缩放，非数值原样返回
func scaleValue(in *Input, v interface{}) interface{} {
	if f, ok := model.ToFloat64(v); ok {
		if _, isBool := v.(bool); isBool {
			return v
		}
		return applyScaling(in, f)
	}
	return v
}

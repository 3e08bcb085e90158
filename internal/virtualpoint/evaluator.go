package virtualpoint

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

// Evaluator 虚拟点位计算器
// 负责单个定义的一次完整计算：解析输入、沙箱执行、错误策略回退、结果缓存
type Evaluator struct {
	sandbox  *Sandbox
	resolver *InputResolver
	cache    *Cache

	mu       sync.RWMutex
	previous map[int]*Value // 各点位最近一次结果，供 return_previous 与计数用
}

// NewEvaluator 创建计算器
func NewEvaluator(store storage.Store, cache *Cache) *Evaluator {
	return &Evaluator{
		sandbox:  NewSandbox(0),
		resolver: NewInputResolver(store),
		cache:    cache,
		previous: make(map[int]*Value),
	}
}

// Evaluate 执行一次计算
// useCache 为真且缓存未过期时直接返回缓存值，输入变化触发的计算应传false
func (e *Evaluator) Evaluate(ctx context.Context, def *Definition, useCache bool) (*Value, error) {
	if useCache && def.CacheDurationMS > 0 {
		if cached, computedAt, ok := e.cache.Get(def.ID); ok {
			return &Value{
				VirtualPointID: def.ID,
				Value:          cached.Value,
				StringValue:    cached.StringValue,
				Quality:        cached.Quality,
				LastCalculated: computedAt,
			}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	started := time.Now()
	result, quality, err := e.compute(ctx, def)
	elapsed := time.Since(started)

	value := e.buildValue(def, result, quality, err, elapsed)
	if err != nil && def.ErrorHandling == ErrorThrow {
		e.remember(value)
		return value, err
	}
	if err == nil && def.CacheDurationMS > 0 {
		e.cache.Put(def.ID, value.PointValue(), time.Duration(def.CacheDurationMS)*time.Millisecond)
	}
	e.remember(value)
	return value, nil
}

// compute 解析输入并执行公式
func (e *Evaluator) compute(ctx context.Context, def *Definition) (interface{}, model.Quality, error) {
	inputs, err := e.resolver.Resolve(ctx, def)
	if err != nil {
		return nil, model.QualityBad, err
	}

	result, err := e.sandbox.Evaluate(ctx, def.Formula, inputs.vars, inputs.windows)
	if err != nil {
		return nil, model.QualityCalculationError, err
	}
	return result, inputs.quality, nil
}

// buildValue 组装结果，失败时按 error_handling 策略回退
func (e *Evaluator) buildValue(def *Definition, result interface{}, quality model.Quality, err error, elapsed time.Duration) *Value {
	prev := e.lastValue(def.ID)
	value := &Value{
		VirtualPointID:        def.ID,
		LastCalculated:        time.Now(),
		CalculationDurationMS: elapsed.Milliseconds(),
	}
	if prev != nil {
		value.ErrorCount = prev.ErrorCount
		value.SuccessCount = prev.SuccessCount
	}

	if err == nil {
		value.Value = result
		value.StringValue = model.FormatValue(result)
		value.Quality = quality
		value.SuccessCount++
		return value
	}

	value.ErrorCount++
	value.LastError = err.Error()
	log.Debug().
		Int("virtual_point_id", def.ID).
		Str("error_handling", string(def.ErrorHandling)).
		Err(err).
		Msg("虚拟点位计算失败，按策略回退")

	switch def.ErrorHandling {
	case ErrorReturnZero:
		value.Value = float64(0)
		value.StringValue = "0"
		value.Quality = model.QualityUncertain
	case ErrorReturnPrevious:
		if prev != nil && prev.Value != nil {
			// 保留上次值时质量一并保留
			value.Value = prev.Value
			value.StringValue = prev.StringValue
			value.Quality = prev.Quality
		} else {
			value.Value = nil
			value.Quality = model.QualityCalculationError
		}
	case ErrorThrow:
		value.Value = nil
		value.Quality = model.QualityCalculationError
	default: // return_null
		value.Value = nil
		value.Quality = model.QualityCalculationError
	}
	return value
}

func (e *Evaluator) remember(v *Value) {
	e.mu.Lock()
	e.previous[v.VirtualPointID] = v
	e.mu.Unlock()
}

func (e *Evaluator) lastValue(vpID int) *Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.previous[vpID]
}

// Forget 删除点位的历史结果与缓存，定义删除时调用
func (e *Evaluator) Forget(vpID int) {
	e.mu.Lock()
	delete(e.previous, vpID)
	e.mu.Unlock()
	e.cache.Invalidate(vpID)
}

// Validate 编辑期校验公式语法
func (e *Evaluator) Validate(def *Definition) error {
	return e.sandbox.Validate(def.Formula)
}

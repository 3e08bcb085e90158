package virtualpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/core/bus"
	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

// DefinitionProvider 定义查询接口，由注册表实现
type DefinitionProvider interface {
	Definition(id int) (*Definition, bool)
	Definitions() []*Definition
}

// HistorySink 长期历史写入接口，由InfluxDB汇实现
type HistorySink interface {
	Record(tenantID int, ref model.PointRef, value model.PointValue)
}

// ValueListener 点位发布监听，告警服务挂接在此
type ValueListener func(ctx context.Context, ref model.PointRef, value model.PointValue)

// ServiceConfig 虚拟点位服务配置
type ServiceConfig struct {
	Scheduler          SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	MaxDependencyDepth int             `json:"max_dependency_depth" yaml:"max_dependency_depth"`
}

// Service 虚拟点位服务
// 订阅遥测波次，按依赖图拓扑序重算onchange闭包，发布计算结果
type Service struct {
	provider DefinitionProvider
	store    storage.Store
	bus      bus.Bus
	sink     HistorySink
	listener ValueListener

	evaluator *Evaluator
	scheduler *Scheduler
	maxDepth  int

	mu      sync.RWMutex
	graphs  map[int]*Graph // 按租户
	tracked map[int]struct{}

	// 定义上的执行统计字段由工作协程回写，Stats读取，需互斥
	execMu sync.Mutex

	stats *statsTracker
	subs  []bus.Subscription
}

// NewService 创建虚拟点位服务，sink 与 listener 可为nil
func NewService(cfg ServiceConfig, provider DefinitionProvider, store storage.Store, b bus.Bus, sink HistorySink, listener ValueListener) *Service {
	s := &Service{
		provider: provider,
		store:    store,
		bus:      b,
		sink:     sink,
		listener: listener,
		maxDepth: cfg.MaxDependencyDepth,
		graphs:   make(map[int]*Graph),
		tracked:  make(map[int]struct{}),
		stats:    &statsTracker{},
	}
	cache := NewCache()
	s.evaluator = NewEvaluator(store, cache)
	s.scheduler = NewScheduler(cfg.Scheduler, s.evaluator, s.handleResult)
	return s
}

// Start 启动调度器、重建依赖图并订阅遥测与事件主题
func (s *Service) Start(ctx context.Context) error {
	if err := s.Rebuild(); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	dataSub, err := s.bus.Subscribe(bus.SubjectDataAll, s.onTelemetry)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, dataSub)

	eventSub, err := s.bus.Subscribe(bus.SubjectEventAll, s.onEvent)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, eventSub)
	return nil
}

// Stop 退订并停止调度器
func (s *Service) Stop() error {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("退订失败")
		}
	}
	return s.scheduler.Stop()
}

// Rebuild 从注册表重建依赖图与调度
// 图构建失败的定义被跳过并记录，不影响其余定义
func (s *Service) Rebuild() error {
	defs := s.provider.Definitions()

	s.mu.Lock()
	graphs := make(map[int]*Graph)
	seen := make(map[int]struct{}, len(defs))
	for _, def := range defs {
		g, ok := graphs[def.TenantID]
		if !ok {
			g = NewGraph(def.TenantID, s.maxDepth)
			graphs[def.TenantID] = g
		}
		if err := g.AddDefinition(def); err != nil {
			log.Error().Err(err).Int("virtual_point_id", def.ID).Msg("虚拟点位入图失败，已跳过")
			continue
		}
		seen[def.ID] = struct{}{}
	}
	previous := s.tracked
	s.graphs = graphs
	s.tracked = seen
	s.mu.Unlock()

	// 同步调度：移除消失的定义，接管现存定义
	for id := range previous {
		if _, still := seen[id]; !still {
			s.scheduler.Untrack(id)
			s.evaluator.Forget(id)
		}
	}
	for _, def := range defs {
		if _, ok := seen[def.ID]; ok {
			s.scheduler.Track(def)
		}
	}

	log.Info().Int("definitions", len(seen)).Int("tenants", len(graphs)).Msg("虚拟点位依赖图重建完成")
	return nil
}

// onTelemetry 遥测波次入口：落存储、喂告警、触发onchange闭包
func (s *Service) onTelemetry(_ string, data []byte) error {
	var update model.TelemetryUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("遥测消息解析失败: %w", err)
	}

	ctx := context.Background()
	if err := s.store.PublishValue(ctx, update.Point, update.Value); err != nil {
		log.Error().Err(err).Str("point", update.Point.String()).Msg("遥测写入存储失败")
	}
	if s.listener != nil {
		s.listener(ctx, update.Point, update.Value)
	}

	go s.propagate(ctx, update.TenantID, update.Point)
	return nil
}

// propagate 按拓扑序同步重算变更点位的下游闭包
// 逐个等待保证下游读到上游最新值，在途计算合并跳过
func (s *Service) propagate(ctx context.Context, tenantID int, changed model.PointRef) {
	s.mu.RLock()
	g, ok := s.graphs[tenantID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	for _, vpID := range g.Downstream(changed) {
		def, ok := s.provider.Definition(vpID)
		if !ok || !def.Enabled {
			continue
		}
		if _, err := s.scheduler.EvaluateNow(ctx, def); err != nil {
			log.Debug().Int("virtual_point_id", vpID).Err(err).Msg("波次计算跳过")
		}
	}
}

// onEvent 外部事件触发event型点位
func (s *Service) onEvent(subject string, _ []byte) error {
	for _, def := range s.provider.Definitions() {
		if def.Trigger == TriggerEvent && def.Enabled && eventMatchesTenant(subject, def.TenantID) {
			s.scheduler.Submit(def, TriggerEvent)
		}
	}
	return nil
}

// eventMatchesTenant 事件主题第三段为租户ID
func eventMatchesTenant(subject string, tenantID int) bool {
	expected := fmt.Sprintf("%s.%d.", bus.SubjectEventPrefix, tenantID)
	return len(subject) >= len(expected) && subject[:len(expected)] == expected
}

// handleResult 计算完成回调：回写定义统计并发布结果
func (s *Service) handleResult(def *Definition, value *Value, err error) {
	elapsed := time.Duration(0)
	if value != nil {
		elapsed = time.Duration(value.CalculationDurationMS) * time.Millisecond
	}
	s.stats.record(err == nil, elapsed)

	s.execMu.Lock()
	def.ExecutionCount++
	if def.AvgExecutionTime == 0 {
		def.AvgExecutionTime = elapsed
	} else {
		def.AvgExecutionTime = time.Duration(float64(def.AvgExecutionTime)*0.7 + float64(elapsed)*0.3)
	}
	if err != nil {
		def.LastError = err.Error()
	} else if value != nil && value.LastError != "" {
		def.LastError = value.LastError
	}
	s.execMu.Unlock()

	if err != nil || value == nil {
		return
	}

	ctx := context.Background()
	pv := value.PointValue()
	ref := def.Ref()

	if err := s.store.PublishValue(ctx, ref, pv); err != nil {
		log.Error().Err(err).Int("virtual_point_id", def.ID).Msg("计算结果写入存储失败")
	}
	if err := s.bus.PublishAsync(bus.VPSubject(def.TenantID, def.ID), value); err != nil {
		log.Error().Err(err).Int("virtual_point_id", def.ID).Msg("计算结果发布失败")
	}
	if s.sink != nil {
		s.sink.Record(def.TenantID, ref, pv)
	}
	if s.listener != nil {
		s.listener(ctx, ref, pv)
	}
}

// EvaluatePoint 手动触发一次计算并同步返回结果
func (s *Service) EvaluatePoint(ctx context.Context, vpID int) (*Value, error) {
	def, ok := s.provider.Definition(vpID)
	if !ok {
		return nil, NewConfigurationError("虚拟点位 %d 不存在", vpID)
	}
	if !def.Enabled {
		return nil, NewConfigurationError("虚拟点位 %d 已停用", vpID)
	}
	return s.scheduler.EvaluateNow(ctx, def)
}

// ValidateDefinition 编辑期校验：公式语法与依赖图约束
func (s *Service) ValidateDefinition(def *Definition) error {
	if err := s.evaluator.Validate(def); err != nil {
		return err
	}
	s.mu.RLock()
	g, ok := s.graphs[def.TenantID]
	s.mu.RUnlock()
	if !ok {
		g = NewGraph(def.TenantID, s.maxDepth)
	}
	return g.Validate(def)
}

// Stats 引擎统计快照
func (s *Service) Stats() Statistics {
	stats := s.stats.snapshot()
	defs := s.provider.Definitions()
	stats.TotalPoints = len(defs)
	s.execMu.Lock()
	for _, def := range defs {
		if def.Enabled && !s.scheduler.IsDisabled(def.ID) {
			stats.ActivePoints++
		}
		if def.LastError != "" {
			stats.ErrorPoints++
		}
	}
	s.execMu.Unlock()
	return stats
}

// SchedulerStats 调度器统计
func (s *Service) SchedulerStats() SchedulerStats {
	return s.scheduler.Stats()
}

package virtualpoint

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Task 一次计算任务
type Task struct {
	Def        *Definition
	Reason     Trigger
	EnqueuedAt time.Time
	waiters    []chan taskResult // 手动触发的同步等待者，每个缓冲1
}

type taskResult struct {
	value *Value
	err   error
}

// ResultHandler 计算完成后的回调，由上层负责发布与持久化
type ResultHandler func(def *Definition, value *Value, err error)

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
	QueueSize  int `json:"queue_size" yaml:"queue_size"`
}

// pointLease 单点位的在途租约
// 同一点位任一时刻至多一个计算在途，重复触发合并为一次待执行
type pointLease struct {
	running bool
	pending bool
	reason  Trigger
	waiters []chan taskResult // 合并进待执行轮次的同步等待者
}

// Scheduler 虚拟点位调度器
// 工作池执行计算任务，周期点位由内部定时器驱动，变化点位由上层提交
type Scheduler struct {
	// 64-bit fields first for ARM32 alignment
	totalTasks     int64
	completedTasks int64
	failedTasks    int64
	coalescedTasks int64
	avgLatency     int64 // 纳秒

	evaluator *Evaluator
	handler   ResultHandler

	numWorkers int
	taskChan   chan *Task

	mu       sync.Mutex
	leases   map[int]*pointLease
	timers   map[int]chan struct{} // 周期点位的定时器停止信号
	failures map[int]int           // 连续失败计数，成功清零
	disabled map[int]bool          // 连续失败熔断的点位

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(config SchedulerConfig, evaluator *Evaluator, handler ResultHandler) *Scheduler {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		evaluator:  evaluator,
		handler:    handler,
		numWorkers: config.NumWorkers,
		taskChan:   make(chan *Task, config.QueueSize),
		leases:     make(map[int]*pointLease),
		timers:     make(map[int]chan struct{}),
		failures:   make(map[int]int),
		disabled:   make(map[int]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动工作池
func (s *Scheduler) Start() error {
	log.Info().
		Int("workers", s.numWorkers).
		Int("queue_size", cap(s.taskChan)).
		Msg("启动虚拟点位调度器")
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Stop 停止工作池与全部定时器
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	for id, stop := range s.timers {
		close(stop)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Info().
		Int64("total_tasks", atomic.LoadInt64(&s.totalTasks)).
		Int64("completed_tasks", atomic.LoadInt64(&s.completedTasks)).
		Int64("failed_tasks", atomic.LoadInt64(&s.failedTasks)).
		Int64("coalesced_tasks", atomic.LoadInt64(&s.coalescedTasks)).
		Msg("虚拟点位调度器停止完成")
	return nil
}

// Track 接管一个定义的调度：周期点位建定时器，熔断状态清零
func (s *Scheduler) Track(def *Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.disabled, def.ID)
	delete(s.failures, def.ID)

	if stop, ok := s.timers[def.ID]; ok {
		close(stop)
		delete(s.timers, def.ID)
	}
	if def.Trigger != TriggerTimer || !def.Enabled {
		return
	}
	interval := def.CalculationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	stop := make(chan struct{})
	s.timers[def.ID] = stop
	s.wg.Add(1)
	go s.timerLoop(def, interval, stop)
}

// Untrack 撤销定义的调度，移除时调用
func (s *Scheduler) Untrack(vpID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.timers[vpID]; ok {
		close(stop)
		delete(s.timers, vpID)
	}
	delete(s.leases, vpID)
	delete(s.failures, vpID)
	delete(s.disabled, vpID)
}

func (s *Scheduler) timerLoop(def *Definition, interval time.Duration, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Submit(def, TriggerTimer)
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Submit 提交计算任务
// 在途时合并为待执行并返回false，被熔断的点位直接丢弃
func (s *Scheduler) Submit(def *Definition, reason Trigger) bool {
	s.mu.Lock()
	if s.disabled[def.ID] {
		s.mu.Unlock()
		return false
	}
	lease, ok := s.leases[def.ID]
	if !ok {
		lease = &pointLease{}
		s.leases[def.ID] = lease
	}
	if lease.running {
		lease.pending = true
		lease.reason = reason
		s.mu.Unlock()
		atomic.AddInt64(&s.coalescedTasks, 1)
		return false
	}
	lease.running = true
	s.mu.Unlock()

	s.enqueue(&Task{Def: def, Reason: reason, EnqueuedAt: time.Now()})
	return true
}

// EvaluateNow 手动触发并同步等待结果，不读缓存
// 在途时合并进下一轮并等待那一轮的结果
func (s *Scheduler) EvaluateNow(ctx context.Context, def *Definition) (*Value, error) {
	resultCh := make(chan taskResult, 1)

	s.mu.Lock()
	lease, ok := s.leases[def.ID]
	if !ok {
		lease = &pointLease{}
		s.leases[def.ID] = lease
	}
	if lease.running {
		lease.pending = true
		lease.reason = TriggerManual
		lease.waiters = append(lease.waiters, resultCh)
		s.mu.Unlock()
		atomic.AddInt64(&s.coalescedTasks, 1)
	} else {
		lease.running = true
		s.mu.Unlock()
		s.enqueue(&Task{
			Def:        def,
			Reason:     TriggerManual,
			EnqueuedAt: time.Now(),
			waiters:    []chan taskResult{resultCh},
		})
	}

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) enqueue(task *Task) {
	atomic.AddInt64(&s.totalTasks, 1)
	select {
	case s.taskChan <- task:
	case <-s.ctx.Done():
	}
}

// worker 工作协程，串行消费任务
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case task := <-s.taskChan:
			s.process(task)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) process(task *Task) {
	started := time.Now()
	// 定时与手动触发允许读缓存，onchange必须重算
	useCache := task.Reason == TriggerTimer
	value, err := s.evaluator.Evaluate(s.ctx, task.Def, useCache)

	latency := time.Since(started)
	s.recordLatency(latency)
	if err != nil {
		atomic.AddInt64(&s.failedTasks, 1)
	} else {
		atomic.AddInt64(&s.completedTasks, 1)
	}

	s.trackFailure(task.Def, value)

	for _, w := range task.waiters {
		w <- taskResult{value: value, err: err}
	}
	if s.handler != nil {
		s.handler(task.Def, value, err)
	}

	// 释放租约，有合并触发则立即再排一轮，等待者随该轮交付
	s.mu.Lock()
	lease := s.leases[task.Def.ID]
	var rerun Trigger
	var waiters []chan taskResult
	if lease != nil {
		if lease.pending {
			lease.pending = false
			rerun = lease.reason
			waiters = lease.waiters
			lease.waiters = nil
		} else {
			lease.running = false
		}
	}
	s.mu.Unlock()
	if rerun != "" {
		s.enqueue(&Task{Def: task.Def, Reason: rerun, EnqueuedAt: time.Now(), waiters: waiters})
	}
}

// trackFailure 连续失败熔断
// 达到 retry_count 次连续失败后停止调度该点位，直到定义重新加载
func (s *Scheduler) trackFailure(def *Definition, value *Value) {
	threshold := def.RetryCount
	if threshold <= 0 {
		threshold = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if value != nil && value.LastError == "" {
		s.failures[def.ID] = 0
		return
	}
	s.failures[def.ID]++
	if s.failures[def.ID] >= threshold && !s.disabled[def.ID] {
		s.disabled[def.ID] = true
		if stop, ok := s.timers[def.ID]; ok {
			close(stop)
			delete(s.timers, def.ID)
		}
		log.Warn().
			Int("virtual_point_id", def.ID).
			Int("consecutive_failures", s.failures[def.ID]).
			Msg("虚拟点位连续失败达到阈值，已停止调度")
	}
}

// IsDisabled 查询点位是否被熔断
func (s *Scheduler) IsDisabled(vpID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[vpID]
}

func (s *Scheduler) recordLatency(d time.Duration) {
	// 指数移动平均，权重0.3新值
	for {
		old := atomic.LoadInt64(&s.avgLatency)
		var updated int64
		if old == 0 {
			updated = int64(d)
		} else {
			updated = int64(float64(old)*0.7 + float64(d)*0.3)
		}
		if atomic.CompareAndSwapInt64(&s.avgLatency, old, updated) {
			return
		}
	}
}

// SchedulerStats 调度器统计快照
type SchedulerStats struct {
	TotalTasks     int64         `json:"total_tasks"`
	CompletedTasks int64         `json:"completed_tasks"`
	FailedTasks    int64         `json:"failed_tasks"`
	CoalescedTasks int64         `json:"coalesced_tasks"`
	AvgLatency     time.Duration `json:"avg_latency"`
	QueueLength    int           `json:"queue_length"`
	DisabledPoints int           `json:"disabled_points"`
}

// Stats 返回统计快照
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	disabled := len(s.disabled)
	s.mu.Unlock()
	return SchedulerStats{
		TotalTasks:     atomic.LoadInt64(&s.totalTasks),
		CompletedTasks: atomic.LoadInt64(&s.completedTasks),
		FailedTasks:    atomic.LoadInt64(&s.failedTasks),
		CoalescedTasks: atomic.LoadInt64(&s.coalescedTasks),
		AvgLatency:     time.Duration(atomic.LoadInt64(&s.avgLatency)),
		QueueLength:    len(s.taskChan),
		DisabledPoints: disabled,
	}
}

package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pulseone/engine/internal/alarm"
	"github.com/pulseone/engine/internal/core/bus"
	"github.com/pulseone/engine/internal/metrics"
	"github.com/pulseone/engine/internal/virtualpoint"
)

// SystemMetrics 系统指标快照
type SystemMetrics struct {
	Timestamp        time.Time `json:"timestamp"`
	CPUUsage         float64   `json:"cpu_usage"`
	CPUCores         int       `json:"cpu_cores"`
	MemoryUsage      float64   `json:"memory_usage"`
	MemoryUsageBytes uint64    `json:"memory_usage_bytes"`
	MemoryTotalBytes uint64    `json:"memory_total_bytes"`
	DiskUsage        float64   `json:"disk_usage"`
	GoroutineCount   int       `json:"goroutine_count"`
	HeapAllocBytes   uint64    `json:"heap_alloc_bytes"`
	GCCount          uint32    `json:"gc_count"`
}

// StatusReport 周期上报的引擎状态
type StatusReport struct {
	System     SystemMetrics               `json:"system"`
	Engine     virtualpoint.Statistics     `json:"engine"`
	Scheduler  virtualpoint.SchedulerStats `json:"scheduler"`
	Alarms     alarm.Stats                 `json:"alarms"`
	Degraded   map[int]string              `json:"degraded_rules,omitempty"`
	OpenAlarms int                         `json:"open_alarms"`
}

// StatsProvider 引擎侧状态来源
type StatsProvider interface {
	Stats() virtualpoint.Statistics
	SchedulerStats() virtualpoint.SchedulerStats
}

// AlarmStatusProvider 告警侧状态来源
type AlarmStatusProvider interface {
	Stats() alarm.Stats
	DegradedRules() map[int]string
	OpenCount(ctx context.Context) int
}

// Config 监控服务配置
type Config struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
	DiskPath       string        `json:"disk_path" yaml:"disk_path"`
}

// Service 监控服务
// 周期采集系统与引擎指标并发布到总线
type Service struct {
	config Config
	bus    bus.Bus
	engine StatsProvider
	alarms AlarmStatusProvider
	prom   *metrics.Metrics

	// 上一次上报的累计值，Prometheus计数器按增量推进
	prevCalculations int64
	prevFailed       int64
	prevCoalesced    int64
	prevAlarms       alarm.Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService 创建监控服务，prom可为nil
func NewService(config Config, b bus.Bus, engine StatsProvider, alarms AlarmStatusProvider, prom *metrics.Metrics) *Service {
	if config.ReportInterval <= 0 {
		config.ReportInterval = 30 * time.Second
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	return &Service{
		config: config,
		bus:    b,
		engine: engine,
		alarms: alarms,
		prom:   prom,
		stopCh: make(chan struct{}),
	}
}

// Start 启动上报循环
func (s *Service) Start() {
	if !s.config.Enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.report()
			case <-s.stopCh:
				return
			}
		}
	}()
	log.Info().Dur("interval", s.config.ReportInterval).Msg("监控服务启动")
}

// Stop 停止上报
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) report() {
	ctx := context.Background()
	status := StatusReport{
		System: s.collectSystem(),
	}
	if s.engine != nil {
		status.Engine = s.engine.Stats()
		status.Scheduler = s.engine.SchedulerStats()
	}
	if s.alarms != nil {
		status.Alarms = s.alarms.Stats()
		status.Degraded = s.alarms.DegradedRules()
		status.OpenAlarms = s.alarms.OpenCount(ctx)
	}

	s.export(status)

	subject := bus.EventSubject(0, "monitoring")
	if err := s.bus.PublishAsync(subject, status); err != nil {
		log.Warn().Err(err).Msg("状态上报发布失败")
	}
}

// export 把快照增量推进到Prometheus指标
func (s *Service) export(status StatusReport) {
	if s.prom == nil {
		return
	}
	s.prom.EvaluationsTotal.Add(float64(status.Engine.TotalCalculations - s.prevCalculations))
	s.prom.EvaluationFailed.Add(float64(status.Engine.FailedCalculations - s.prevFailed))
	s.prom.CoalescedTotal.Add(float64(status.Scheduler.CoalescedTasks - s.prevCoalesced))
	s.prevCalculations = status.Engine.TotalCalculations
	s.prevFailed = status.Engine.FailedCalculations
	s.prevCoalesced = status.Scheduler.CoalescedTasks

	s.prom.TotalPoints.Set(float64(status.Engine.TotalPoints))
	s.prom.ActivePoints.Set(float64(status.Engine.ActivePoints))
	s.prom.ErrorPoints.Set(float64(status.Engine.ErrorPoints))
	s.prom.BreakerOpenPoints.Set(float64(status.Scheduler.DisabledPoints))
	s.prom.QueueLength.Set(float64(status.Scheduler.QueueLength))
	s.prom.AvgLatencySeconds.Set(status.Scheduler.AvgLatency.Seconds())

	s.prom.AlarmsTriggered.Add(float64(status.Alarms.Triggered - s.prevAlarms.Triggered))
	s.prom.AlarmsCleared.Add(float64(status.Alarms.Cleared - s.prevAlarms.Cleared))
	s.prom.Escalations.Add(float64(status.Alarms.Escalations - s.prevAlarms.Escalations))
	s.prom.Notifications.Add(float64(status.Alarms.Notifications - s.prevAlarms.Notifications))
	s.prevAlarms = status.Alarms
	s.prom.AlarmsOpen.Set(float64(status.OpenAlarms))
}

// collectSystem 采集系统指标，单项失败不影响其余
func (s *Service) collectSystem() SystemMetrics {
	metrics := SystemMetrics{
		Timestamp:      time.Now(),
		CPUCores:       runtime.NumCPU(),
		GoroutineCount: runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		metrics.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsage = vm.UsedPercent
		metrics.MemoryUsageBytes = vm.Used
		metrics.MemoryTotalBytes = vm.Total
	}
	if du, err := disk.Usage(s.config.DiskPath); err == nil {
		metrics.DiskUsage = du.UsedPercent
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	metrics.HeapAllocBytes = ms.HeapAlloc
	metrics.GCCount = ms.NumGC
	return metrics
}

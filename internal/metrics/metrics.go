package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics 引擎Prometheus指标集
// 由监控服务按周期汇报快照增量填充
type Metrics struct {
	EvaluationsTotal  prometheus.Counter
	EvaluationFailed  prometheus.Counter
	CoalescedTotal    prometheus.Counter
	TotalPoints       prometheus.Gauge
	ActivePoints      prometheus.Gauge
	ErrorPoints       prometheus.Gauge
	BreakerOpenPoints prometheus.Gauge
	QueueLength       prometheus.Gauge
	AvgLatencySeconds prometheus.Gauge

	AlarmsTriggered prometheus.Counter
	AlarmsCleared   prometheus.Counter
	AlarmsOpen      prometheus.Gauge
	Escalations     prometheus.Counter
	Notifications   prometheus.Counter
}

// New 注册引擎指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EvaluationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_vp_evaluations_total",
			Help: "虚拟点位计算次数",
		}),
		EvaluationFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_vp_evaluation_failures_total",
			Help: "虚拟点位计算失败次数",
		}),
		CoalescedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_vp_coalesced_total",
			Help: "被合并的重复触发次数",
		}),
		TotalPoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_vp_total_points",
			Help: "已加载的虚拟点位数",
		}),
		ActivePoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_vp_active_points",
			Help: "启用的虚拟点位数",
		}),
		ErrorPoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_vp_error_points",
			Help: "最近一次计算失败的虚拟点位数",
		}),
		BreakerOpenPoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_vp_breaker_open_points",
			Help: "连续失败熔断的虚拟点位数",
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_vp_queue_length",
			Help: "计算队列当前长度",
		}),
		AvgLatencySeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_vp_avg_latency_seconds",
			Help: "计算耗时的指数移动平均",
		}),
		AlarmsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_alarms_triggered_total",
			Help: "告警触发次数",
		}),
		AlarmsCleared: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_alarms_cleared_total",
			Help: "告警清除次数",
		}),
		AlarmsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_alarms_open",
			Help: "当前未清除告警数",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_alarm_escalations_total",
			Help: "告警升级次数",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_notifications_total",
			Help: "通知派发次数",
		}),
	}
}

// Server 独立的指标HTTP端点
type Server struct {
	server *http.Server
}

// NewServer 创建 /metrics 监听
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start 启动监听，阻塞直到关闭
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("指标端点启动")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("指标端点启动失败: %w", err)
	}
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

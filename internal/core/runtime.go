package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pulseone/engine/internal/alarm"
	"github.com/pulseone/engine/internal/core/bus"
	"github.com/pulseone/engine/internal/ingest"
	"github.com/pulseone/engine/internal/metrics"
	"github.com/pulseone/engine/internal/monitoring"
	"github.com/pulseone/engine/internal/notify"
	"github.com/pulseone/engine/internal/registry"
	"github.com/pulseone/engine/internal/storage"
	"github.com/pulseone/engine/internal/virtualpoint"
)

// RPC主题
const (
	SubjectRPCEvaluate   = "iot.rpc.evaluate"
	SubjectRPCAlarmAck   = "iot.rpc.alarm.ack"
	SubjectRPCAlarmClear = "iot.rpc.alarm.clear"
)

// Runtime 引擎运行时
// 装配配置、总线、存储与各服务，管理整体生命周期
type Runtime struct {
	V          *viper.Viper
	Conn       *nats.Conn
	NatsServer *server.Server
	Bus        bus.Bus

	Registry     *registry.Registry
	Telemetry    storage.Store
	Occurrences  alarm.OccurrenceStore
	VirtualPoint *virtualpoint.Service
	Alarms       *alarm.Service
	Notifier     *notify.BusNotifier
	Monitoring   *monitoring.Service
	Metrics      *metrics.Server
	MQTT         *ingest.MQTTSource
	InfluxSink   *storage.InfluxHistorySink

	rpcSubs []*nats.Subscription
	cancel  context.CancelFunc
}

// NewRuntime 读取配置并装配全部组件
func NewRuntime(cfgPath string) (*Runtime, error) {
	v := viper.New()
	v.SetConfigFile(cfgPath)
	switch filepath.Ext(cfgPath) {
	case ".json":
		v.SetConfigType("json")
	default:
		v.SetConfigType("yaml")
	}
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(v.GetString("engine.log_level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	nc, natsServer, err := connectNATS(v)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		V:          v,
		Conn:       nc,
		NatsServer: natsServer,
		Bus:        bus.WrapConn(nc),
	}

	if err := rt.buildComponents(); err != nil {
		rt.Shutdown(context.Background())
		return nil, err
	}
	return rt, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.nats_url", "embedded")
	v.SetDefault("engine.config_dir", "./config.d")
	v.SetDefault("engine.store.backend", "memory")
	v.SetDefault("engine.alarm.db_path", "./data/alarms.db")
	v.SetDefault("engine.alarm.escalation_interval", "30s")
	v.SetDefault("engine.notify.throttle", "1m")
	v.SetDefault("engine.scheduler.num_workers", 0)
	v.SetDefault("engine.scheduler.queue_size", 1000)
	v.SetDefault("engine.max_dependency_depth", virtualpoint.DefaultMaxDependencyDepth)
	v.SetDefault("engine.metrics.addr", ":9100")
	v.SetDefault("engine.monitoring.enabled", true)
	v.SetDefault("engine.monitoring.report_interval", "30s")
}

// connectNATS 嵌入式或外部NATS
func connectNATS(v *viper.Viper) (*nats.Conn, *server.Server, error) {
	natsURL := v.GetString("engine.nats_url")
	if natsURL != "embedded" {
		if natsURL == "" {
			natsURL = nats.DefaultURL
		}
		nc, err := nats.Connect(natsURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(10),
			nats.ReconnectWait(5*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("连接NATS失败: %w", err)
		}
		return nc, nil, nil
	}

	port := 4222
	if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		port = 14222
		ln2, err2 := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err2 != nil {
			return nil, nil, fmt.Errorf("无可用端口启动嵌入式NATS: %w", err2)
		}
		ln2.Close()
	} else {
		ln.Close()
	}

	opts := &server.Options{
		ServerName: "pulseone-embedded-nats",
		Host:       "127.0.0.1",
		Port:       port,
	}
	natsServer, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("创建嵌入式NATS服务器失败: %w", err)
	}
	log.Info().Int("port", port).Msg("启动嵌入式NATS服务器")
	go natsServer.Start()
	if !natsServer.ReadyForConnections(10 * time.Second) {
		natsServer.Shutdown()
		return nil, nil, fmt.Errorf("嵌入式NATS服务器启动超时")
	}

	nc, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5))
	if err != nil {
		natsServer.Shutdown()
		return nil, nil, fmt.Errorf("连接嵌入式NATS失败: %w", err)
	}
	return nc, natsServer, nil
}

// buildComponents 按配置装配存储与服务
func (rt *Runtime) buildComponents() error {
	v := rt.V

	// 遥测存储
	switch v.GetString("engine.store.backend") {
	case "redis":
		store, err := storage.NewRedisStore(storage.RedisConfig{
			Address:          v.GetString("engine.store.redis.address"),
			Password:         v.GetString("engine.store.redis.password"),
			Database:         v.GetInt("engine.store.redis.database"),
			KeyPrefix:        v.GetString("engine.store.redis.key_prefix"),
			HistoryWindowSec: v.GetInt("engine.store.redis.history_window_sec"),
		})
		if err != nil {
			return fmt.Errorf("初始化Redis存储失败: %w", err)
		}
		rt.Telemetry = store
	default:
		rt.Telemetry = storage.NewMemoryStore()
	}

	// 长期历史汇
	if v.GetString("engine.influx.url") != "" {
		rt.InfluxSink = storage.NewInfluxHistorySink(storage.InfluxConfig{
			URL:         v.GetString("engine.influx.url"),
			Token:       v.GetString("engine.influx.token"),
			Org:         v.GetString("engine.influx.org"),
			Bucket:      v.GetString("engine.influx.bucket"),
			Measurement: v.GetString("engine.influx.measurement"),
		})
	}

	// 告警记录存储
	if path := v.GetString("engine.alarm.db_path"); path != "" {
		store, err := alarm.NewSQLiteOccurrenceStore(path)
		if err != nil {
			return fmt.Errorf("初始化告警库失败: %w", err)
		}
		rt.Occurrences = store
	} else {
		rt.Occurrences = alarm.NewMemoryOccurrenceStore()
	}

	rt.Registry = registry.NewRegistry(v.GetString("engine.config_dir"))
	rt.Notifier = notify.NewBusNotifier(rt.Bus, v.GetDuration("engine.notify.throttle"))
	rt.Alarms = alarm.NewService(rt.Registry, rt.Occurrences, rt.Telemetry, rt.Notifier,
		v.GetDuration("engine.alarm.escalation_interval"))

	var sink virtualpoint.HistorySink
	if rt.InfluxSink != nil {
		sink = rt.InfluxSink
	}
	rt.VirtualPoint = virtualpoint.NewService(
		virtualpoint.ServiceConfig{
			Scheduler: virtualpoint.SchedulerConfig{
				NumWorkers: v.GetInt("engine.scheduler.num_workers"),
				QueueSize:  v.GetInt("engine.scheduler.queue_size"),
			},
			MaxDependencyDepth: v.GetInt("engine.max_dependency_depth"),
		},
		rt.Registry, rt.Telemetry, rt.Bus, sink, rt.Alarms.HandleValue,
	)

	var prom *metrics.Metrics
	if addr := v.GetString("engine.metrics.addr"); addr != "" {
		prom = metrics.New(prometheus.DefaultRegisterer)
		rt.Metrics = metrics.NewServer(addr, prometheus.DefaultGatherer)
	}

	rt.Monitoring = monitoring.NewService(monitoring.Config{
		Enabled:        v.GetBool("engine.monitoring.enabled"),
		ReportInterval: v.GetDuration("engine.monitoring.report_interval"),
		DiskPath:       v.GetString("engine.monitoring.disk_path"),
	}, rt.Bus, rt.VirtualPoint, rt.Alarms, prom)

	if broker := v.GetString("engine.mqtt.broker"); broker != "" {
		var topics []ingest.TopicConfig
		if err := v.UnmarshalKey("engine.mqtt.topics", &topics); err != nil {
			return fmt.Errorf("解析MQTT主题配置失败: %w", err)
		}
		rt.MQTT = ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   broker,
			ClientID: v.GetString("engine.mqtt.client_id"),
			Username: v.GetString("engine.mqtt.username"),
			Password: v.GetString("engine.mqtt.password"),
			Topics:   topics,
		}, rt.Bus)
	}
	return nil
}

// Run 启动全部服务并阻塞到上下文取消
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	if err := rt.Registry.Load(); err != nil {
		return err
	}
	changes, err := rt.Registry.WatchChanges()
	if err != nil {
		return err
	}

	if err := rt.VirtualPoint.Start(ctx); err != nil {
		return err
	}
	if err := rt.Alarms.Start(ctx); err != nil {
		return err
	}
	if rt.MQTT != nil {
		if err := rt.MQTT.Start(); err != nil {
			return err
		}
	}
	rt.Monitoring.Start()
	if err := rt.registerRPC(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if rt.Metrics != nil {
		g.Go(rt.Metrics.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return rt.Metrics.Stop(shutdownCtx)
		})
	}
	g.Go(func() error {
		rt.consumeChanges(ctx, changes)
		return nil
	})

	log.Info().Msg("引擎启动完成")
	err = g.Wait()
	rt.Shutdown(context.Background())
	return err
}

// consumeChanges 配置变更驱动图与规则重建
func (rt *Runtime) consumeChanges(ctx context.Context, changes <-chan registry.Event) {
	for {
		select {
		case event, ok := <-changes:
			if !ok {
				return
			}
			log.Info().Str("kind", string(event.Kind)).Msg("配置变更，应用重载")
			switch event.Kind {
			case registry.ChangeVirtualPoints:
				if err := rt.VirtualPoint.Rebuild(); err != nil {
					log.Error().Err(err).Msg("依赖图重建失败")
				}
			case registry.ChangeAlarmRules:
				for _, rule := range rt.Registry.Rules() {
					rt.Alarms.ReloadRule(rule.ID)
				}
			}
			if err := rt.Bus.Publish(bus.ConfigSubject(string(event.Kind)), event); err != nil {
				log.Warn().Err(err).Msg("配置变更通知发布失败")
			}
		case <-ctx.Done():
			return
		}
	}
}

// registerRPC NATS请求应答：手动计算与告警确认清除
func (rt *Runtime) registerRPC() error {
	evalSub, err := rt.Conn.Subscribe(SubjectRPCEvaluate, func(msg *nats.Msg) {
		var req struct {
			VirtualPointID int `json:"virtual_point_id"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respondError(msg, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		value, err := rt.VirtualPoint.EvaluatePoint(ctx, req.VirtualPointID)
		if err != nil {
			respondError(msg, err)
			return
		}
		respondJSON(msg, value)
	})
	if err != nil {
		return fmt.Errorf("注册手动计算RPC失败: %w", err)
	}
	rt.rpcSubs = append(rt.rpcSubs, evalSub)

	ackSub, err := rt.Conn.Subscribe(SubjectRPCAlarmAck, rt.alarmRPC(rt.Alarms.Acknowledge))
	if err != nil {
		return fmt.Errorf("注册告警确认RPC失败: %w", err)
	}
	rt.rpcSubs = append(rt.rpcSubs, ackSub)

	clearSub, err := rt.Conn.Subscribe(SubjectRPCAlarmClear, rt.alarmRPC(rt.Alarms.Clear))
	if err != nil {
		return fmt.Errorf("注册告警清除RPC失败: %w", err)
	}
	rt.rpcSubs = append(rt.rpcSubs, clearSub)
	return nil
}

func (rt *Runtime) alarmRPC(op func(context.Context, string, string, string) (*alarm.Occurrence, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req struct {
			OccurrenceID string `json:"occurrence_id"`
			User         string `json:"user"`
			Comment      string `json:"comment"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respondError(msg, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		occ, err := op(ctx, req.OccurrenceID, req.User, req.Comment)
		if err != nil {
			respondError(msg, err)
			return
		}
		respondJSON(msg, occ)
	}
}

func respondJSON(msg *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		respondError(msg, err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Msg("RPC应答失败")
	}
}

func respondError(msg *nats.Msg, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	if respondErr := msg.Respond(payload); respondErr != nil {
		log.Warn().Err(respondErr).Msg("RPC错误应答失败")
	}
}

// Shutdown 按依赖逆序停止
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.cancel != nil {
		rt.cancel()
	}
	for _, sub := range rt.rpcSubs {
		_ = sub.Unsubscribe()
	}
	rt.rpcSubs = nil

	if rt.Monitoring != nil {
		rt.Monitoring.Stop()
	}
	if rt.MQTT != nil {
		rt.MQTT.Stop()
	}
	if rt.Alarms != nil {
		rt.Alarms.Stop()
	}
	if rt.VirtualPoint != nil {
		if err := rt.VirtualPoint.Stop(); err != nil {
			log.Warn().Err(err).Msg("虚拟点位服务停止失败")
		}
	}
	if rt.Registry != nil {
		_ = rt.Registry.Close()
	}
	if rt.Notifier != nil {
		rt.Notifier.Close()
	}
	if rt.InfluxSink != nil {
		rt.InfluxSink.Close()
	}
	if rt.Occurrences != nil {
		_ = rt.Occurrences.Close()
	}
	if closer, ok := rt.Telemetry.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if rt.Bus != nil {
		_ = rt.Bus.Close()
	}
	if rt.NatsServer != nil {
		rt.NatsServer.Shutdown()
	}
	log.Info().Msg("引擎已停止")
}

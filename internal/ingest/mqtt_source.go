package ingest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/core/bus"
	"github.com/pulseone/engine/internal/model"
)

// TopicConfig 单个订阅主题的映射配置
type TopicConfig struct {
	Topic    string `json:"topic" yaml:"topic" mapstructure:"topic"`
	QoS      byte   `json:"qos" yaml:"qos" mapstructure:"qos"`
	TenantID int    `json:"tenant_id" yaml:"tenant_id" mapstructure:"tenant_id"`
	// kind 为 telemetry 时消息体按遥测解析，为 event 时原样转发到事件主题
	Kind      string `json:"kind" yaml:"kind" mapstructure:"kind"`
	EventName string `json:"event_name,omitempty" yaml:"event_name,omitempty" mapstructure:"event_name"`
}

// MQTTConfig MQTT接入源配置
type MQTTConfig struct {
	Broker   string        `json:"broker" yaml:"broker"`
	ClientID string        `json:"client_id" yaml:"client_id"`
	Username string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password string        `json:"password,omitempty" yaml:"password,omitempty"`
	Topics   []TopicConfig `json:"topics" yaml:"topics"`
}

// telemetryPayload 外部遥测消息体
type telemetryPayload struct {
	PointID   int         `json:"point_id"`
	TenantID  int         `json:"tenant_id,omitempty"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// MQTTSource 外部MQTT接入源
// 订阅外部代理的遥测与事件主题，转换后发布到内部总线
type MQTTSource struct {
	config MQTTConfig
	client mqtt.Client
	bus    bus.Bus

	mu      sync.Mutex
	running bool
}

// NewMQTTSource 创建MQTT接入源
func NewMQTTSource(config MQTTConfig, b bus.Bus) *MQTTSource {
	s := &MQTTSource{config: config, bus: b}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", config.Broker).Msg("MQTT接入源连接成功")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", config.Broker).Msg("MQTT接入源连接断开")
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Start 连接代理并订阅全部配置主题
func (s *MQTTSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("连接MQTT代理失败: %w", token.Error())
	}

	for _, tc := range s.config.Topics {
		topicCfg := tc
		handler := s.telemetryHandler(topicCfg)
		if topicCfg.Kind == "event" {
			handler = s.eventHandler(topicCfg)
		}
		if token := s.client.Subscribe(topicCfg.Topic, topicCfg.QoS, handler); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topicCfg.Topic).Msg("订阅MQTT主题失败")
			continue
		}
		log.Info().Str("topic", topicCfg.Topic).Str("kind", topicCfg.Kind).Msg("订阅MQTT主题成功")
	}

	s.running = true
	return nil
}

// Stop 断开连接
func (s *MQTTSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.client.Disconnect(250)
	s.running = false
}

// telemetryHandler 遥测消息转换为内部遥测更新
func (s *MQTTSource) telemetryHandler(tc TopicConfig) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var payload telemetryPayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("遥测消息解析失败")
			return
		}

		tenantID := payload.TenantID
		if tenantID == 0 {
			tenantID = tc.TenantID
		}
		quality := model.Quality(payload.Quality)
		if quality == "" {
			quality = model.QualityGood
		}
		ts := payload.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		update := model.TelemetryUpdate{
			TenantID: tenantID,
			Point:    model.DataPointRef(payload.PointID),
			Value: model.PointValue{
				Value:     payload.Value,
				Quality:   quality,
				Timestamp: ts,
			},
		}
		subject := bus.DataSubject(tenantID, payload.PointID)
		if err := s.bus.PublishAsync(subject, update); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("遥测转发失败")
		}
	}
}

// eventHandler 事件消息原样转发到事件主题
func (s *MQTTSource) eventHandler(tc TopicConfig) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		event := tc.EventName
		if event == "" {
			event = "external"
		}
		subject := bus.EventSubject(tc.TenantID, event)
		if err := s.bus.PublishAsync(subject, msg.Payload()); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("事件转发失败")
		}
	}
}

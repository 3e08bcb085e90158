package storage

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
)

// InfluxConfig InfluxDB长期历史落盘配置
type InfluxConfig struct {
	URL         string `json:"url" yaml:"url"`
	Token       string `json:"token" yaml:"token"`
	Org         string `json:"org" yaml:"org"`
	Bucket      string `json:"bucket" yaml:"bucket"`
	Measurement string `json:"measurement" yaml:"measurement"`
}

// InfluxHistorySink 将发布的点位值异步写入InfluxDB，作为长期历史
// 只负责落盘，窗口聚合读取仍走主Store
type InfluxHistorySink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
}

// NewInfluxHistorySink 创建InfluxDB历史落盘器
func NewInfluxHistorySink(cfg InfluxConfig) *InfluxHistorySink {
	if cfg.Measurement == "" {
		cfg.Measurement = "telemetry"
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions())
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	sink := &InfluxHistorySink{
		client:      client,
		writeAPI:    writeAPI,
		measurement: cfg.Measurement,
	}

	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("InfluxDB历史写入失败")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("InfluxDB历史落盘已启用")
	return sink
}

// Record 异步记录一条点位值
func (s *InfluxHistorySink) Record(tenantID int, ref model.PointRef, value model.PointValue) {
	fields := map[string]interface{}{
		"quality": string(value.Quality),
	}
	if f, ok := value.AsFloat(); ok {
		fields["value"] = f
	} else if value.StringValue != "" {
		fields["string_value"] = value.StringValue
	}

	ts := value.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	p := write.NewPoint(
		s.measurement,
		map[string]string{
			"tenant_id": strconv.Itoa(tenantID),
			"kind":      string(ref.Kind),
			"point_id":  strconv.Itoa(ref.ID),
		},
		fields,
		ts,
	)
	s.writeAPI.WritePoint(p)
}

// Close 冲刷并关闭客户端
func (s *InfluxHistorySink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}


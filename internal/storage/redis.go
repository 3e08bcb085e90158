package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
)

// RedisConfig Redis遥测存储配置
type RedisConfig struct {
	Address       string `json:"address" yaml:"address"`
	Password      string `json:"password" yaml:"password"`
	Database      int    `json:"database" yaml:"database"`
	KeyPrefix        string `json:"key_prefix" yaml:"key_prefix"`
	HistoryWindowSec int    `json:"history_window_sec" yaml:"history_window_sec"` // 历史保留窗口（秒）
}

// HistoryWindow 配置的历史保留窗口
func (c RedisConfig) HistoryWindow() time.Duration {
	return time.Duration(c.HistoryWindowSec) * time.Second
}

// RedisStore Redis遥测存储
// 当前值存 {prefix}:cv:{ref}，历史存有序集合 {prefix}:hist:{ref}（score为毫秒时间戳）
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisStore 创建并连通Redis遥测存储
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pulseone"
	}
	retention := 24 * time.Hour
	if cfg.HistoryWindow() > 0 {
		retention = cfg.HistoryWindow()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info().Str("address", cfg.Address).Int("db", cfg.Database).
		Dur("retention", retention).Msg("Redis遥测存储已连接")

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		retention: retention,
	}, nil
}

func (s *RedisStore) currentKey(ref model.PointRef) string {
	return s.keyPrefix + ":cv:" + ref.String()
}

func (s *RedisStore) historyKey(ref model.PointRef) string {
	return s.keyPrefix + ":hist:" + ref.String()
}

// CurrentValue 读取最新值
func (s *RedisStore) CurrentValue(ctx context.Context, ref model.PointRef) (model.PointValue, error) {
	data, err := s.client.Get(ctx, s.currentKey(ref)).Bytes()
	if err == redis.Nil {
		return model.PointValue{}, ErrNotFound
	}
	if err != nil {
		return model.PointValue{}, fmt.Errorf("读取当前值失败: %w", err)
	}
	var v model.PointValue
	if err := json.Unmarshal(data, &v); err != nil {
		return model.PointValue{}, fmt.Errorf("解析当前值失败: %w", err)
	}
	return v, nil
}

// History 读取窗口内历史，升序
func (s *RedisStore) History(ctx context.Context, ref model.PointRef, window time.Duration) ([]model.PointValue, error) {
	now := time.Now()
	min := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	max := strconv.FormatInt(now.UnixMilli(), 10)

	raws, err := s.client.ZRangeByScore(ctx, s.historyKey(ref), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("读取历史失败: %w", err)
	}

	out := make([]model.PointValue, 0, len(raws))
	for _, raw := range raws {
		var v model.PointValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Warn().Err(err).Str("ref", ref.String()).Msg("跳过无法解析的历史条目")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// PublishValue 写入当前值并追加历史，顺带裁剪过期历史
func (s *RedisStore) PublishValue(ctx context.Context, ref model.PointRef, value model.PointValue) error {
	if value.Timestamp.IsZero() {
		value.Timestamp = time.Now()
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化点位值失败: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.currentKey(ref), data, 0)
	pipe.ZAdd(ctx, s.historyKey(ref), &redis.Z{
		Score:  float64(value.Timestamp.UnixMilli()),
		Member: string(data),
	})
	cutoff := strconv.FormatInt(time.Now().Add(-s.retention).UnixMilli(), 10)
	pipe.ZRemRangeByScore(ctx, s.historyKey(ref), "-inf", "("+cutoff)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入点位值失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

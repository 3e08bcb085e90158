package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pulseone/engine/internal/model"
)

// ErrNotFound 点位无当前值
var ErrNotFound = errors.New("点位当前值不存在")

// Store 遥测存储：真实点位与虚拟点位的当前值和历史值
type Store interface {
	// CurrentValue 读取点位最新值
	CurrentValue(ctx context.Context, ref model.PointRef) (model.PointValue, error)
	// History 读取截止当前、回溯window的历史值，按时间升序
	History(ctx context.Context, ref model.PointRef, window time.Duration) ([]model.PointValue, error)
	// PublishValue 写入点位值（虚拟点位计算结果经此发布）
	PublishValue(ctx context.Context, ref model.PointRef, value model.PointValue) error
}

// historyCap 内存存储中每个点位保留的历史条数上限
const historyCap = 4096

// MemoryStore 进程内遥测存储，测试与单机部署使用
type MemoryStore struct {
	mu      sync.RWMutex
	current map[model.PointRef]model.PointValue
	history map[model.PointRef][]model.PointValue
}

// NewMemoryStore 创建内存遥测存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[model.PointRef]model.PointValue),
		history: make(map[model.PointRef][]model.PointValue),
	}
}

// CurrentValue 读取最新值
func (s *MemoryStore) CurrentValue(_ context.Context, ref model.PointRef) (model.PointValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.current[ref]
	if !ok {
		return model.PointValue{}, ErrNotFound
	}
	return v, nil
}

// History 返回窗口内历史，升序
func (s *MemoryStore) History(_ context.Context, ref model.PointRef, window time.Duration) ([]model.PointValue, error) {
	cutoff := time.Now().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.history[ref]
	// 历史按写入顺序保存，时间戳基本递增；用二分定位窗口起点
	idx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(cutoff)
	})
	if idx >= len(all) {
		return nil, nil
	}
	out := make([]model.PointValue, len(all)-idx)
	copy(out, all[idx:])
	return out, nil
}

// PublishValue 写入当前值并追加历史
func (s *MemoryStore) PublishValue(_ context.Context, ref model.PointRef, value model.PointValue) error {
	if value.Timestamp.IsZero() {
		value.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[ref] = value
	h := append(s.history[ref], value)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	s.history[ref] = h
	return nil
}

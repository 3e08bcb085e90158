package alarm

import (
	"context"
	"sync"

	"github.com/pulseone/engine/internal/model"
)

// OccurrenceStore 告警记录持久化接口
type OccurrenceStore interface {
	// Insert 写入新记录
	Insert(ctx context.Context, occ *Occurrence) error

	// Update 覆盖更新记录
	Update(ctx context.Context, occ *Occurrence) error

	// Get 按ID取记录
	Get(ctx context.Context, id string) (*Occurrence, error)

	// OpenOccurrences 取全部未清除记录，启动恢复用
	OpenOccurrences(ctx context.Context) ([]*Occurrence, error)

	// OpenByRuleTarget 取 (规则,目标) 的未清除记录
	OpenByRuleTarget(ctx context.Context, ruleID int, target model.PointRef) (*Occurrence, error)

	// Close 释放底层资源
	Close() error
}

// MemoryOccurrenceStore 内存实现，测试与无持久化部署用
type MemoryOccurrenceStore struct {
	mu   sync.RWMutex
	byID map[string]*Occurrence
}

// NewMemoryOccurrenceStore 创建内存记录存储
func NewMemoryOccurrenceStore() *MemoryOccurrenceStore {
	return &MemoryOccurrenceStore{byID: make(map[string]*Occurrence)}
}

func (s *MemoryOccurrenceStore) Insert(_ context.Context, occ *Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *occ
	s.byID[occ.ID] = &clone
	return nil
}

func (s *MemoryOccurrenceStore) Update(_ context.Context, occ *Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[occ.ID]; !ok {
		return ErrOccurrenceNotFound
	}
	clone := *occ
	s.byID[occ.ID] = &clone
	return nil
}

func (s *MemoryOccurrenceStore) Get(_ context.Context, id string) (*Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, ok := s.byID[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	clone := *occ
	return &clone, nil
}

func (s *MemoryOccurrenceStore) OpenOccurrences(_ context.Context) ([]*Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Occurrence
	for _, occ := range s.byID {
		if occ.Open() {
			clone := *occ
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryOccurrenceStore) OpenByRuleTarget(_ context.Context, ruleID int, target model.PointRef) (*Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, occ := range s.byID {
		if occ.Open() && occ.RuleID == ruleID && occ.TargetRef == target {
			clone := *occ
			return &clone, nil
		}
	}
	return nil, ErrOccurrenceNotFound
}

func (s *MemoryOccurrenceStore) Close() error { return nil }

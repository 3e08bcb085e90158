package virtualpoint

import (
	"sync"
	"time"

	"github.com/pulseone/engine/internal/model"
)

// cacheEntry 一次计算结果及其生成时间
type cacheEntry struct {
	value      model.PointValue
	computedAt time.Time
	ttl        time.Duration
}

// Cache 虚拟点位计算结果的TTL记忆缓存，租户内共享
type Cache struct {
	mu      sync.RWMutex
	entries map[int]cacheEntry
}

// NewCache 创建缓存
func NewCache() *Cache {
	return &Cache{entries: make(map[int]cacheEntry)}
}

// Get 命中未过期条目时返回缓存的 (值, 计算时间)
func (c *Cache) Get(vpID int) (model.PointValue, time.Time, bool) {
	c.mu.RLock()
	entry, ok := c.entries[vpID]
	c.mu.RUnlock()
	if !ok {
		return model.PointValue{}, time.Time{}, false
	}
	if time.Since(entry.computedAt) > entry.ttl {
		return model.PointValue{}, time.Time{}, false
	}
	return entry.value, entry.computedAt, true
}

// Put 写入计算结果，ttl<=0 时不缓存
func (c *Cache) Put(vpID int, value model.PointValue, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[vpID] = cacheEntry{value: value, computedAt: time.Now(), ttl: ttl}
	c.mu.Unlock()
}

// Invalidate 删除指定点位的缓存，定义变更时调用
func (c *Cache) Invalidate(vpID int) {
	c.mu.Lock()
	delete(c.entries, vpID)
	c.mu.Unlock()
}

// Purge 清空全部缓存
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[int]cacheEntry)
	c.mu.Unlock()
}

// Len 返回缓存条目数（含已过期未清理的）
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

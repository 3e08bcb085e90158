package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/alarm"
	"github.com/pulseone/engine/internal/core/bus"
)

// Notifier 告警通知出口
// 引擎只负责派发，实际投递由订阅总线的外部通道服务完成
type Notifier interface {
	// Dispatch 派发一次通知，即发即忘
	Dispatch(ctx context.Context, occ *alarm.Occurrence, channels, recipients []string)
}

// Notification 发往总线的通知载荷
type Notification struct {
	OccurrenceID string    `json:"occurrence_id"`
	RuleID       int       `json:"rule_id"`
	TenantID     int       `json:"tenant_id"`
	Severity     string    `json:"severity"`
	State        string    `json:"state"`
	Message      string    `json:"message"`
	Channels     []string  `json:"channels,omitempty"`
	Recipients   []string  `json:"recipients,omitempty"`
	Escalation   int       `json:"escalation_level,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// BusNotifier 通过NATS总线派发通知，带按规则节流
type BusNotifier struct {
	bus      bus.Bus
	throttle time.Duration

	mu          sync.Mutex
	throttleMap map[string]time.Time
	stopCh      chan struct{}
}

// NewBusNotifier 创建总线通知器，throttle<=0 表示不节流
func NewBusNotifier(b bus.Bus, throttle time.Duration) *BusNotifier {
	n := &BusNotifier{
		bus:         b,
		throttle:    throttle,
		throttleMap: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
	go n.cleanupThrottleMap()
	return n
}

// Dispatch 派发通知，节流窗口内同一 (规则,状态) 的重复通知被丢弃
func (n *BusNotifier) Dispatch(ctx context.Context, occ *alarm.Occurrence, channels, recipients []string) {
	key := fmt.Sprintf("%d/%s", occ.RuleID, occ.State)
	if n.throttled(key) {
		log.Debug().
			Str("occurrence_id", occ.ID).
			Int("rule_id", occ.RuleID).
			Msg("通知被节流丢弃")
		return
	}

	payload := Notification{
		OccurrenceID: occ.ID,
		RuleID:       occ.RuleID,
		TenantID:     occ.TenantID,
		Severity:     string(occ.Severity),
		State:        string(occ.State),
		Message:      occ.Message,
		Channels:     channels,
		Recipients:   recipients,
		Escalation:   occ.EscalationLevel,
		Timestamp:    time.Now(),
	}

	subject := bus.AlarmSubject(occ.TenantID, occ.RuleID)
	if err := n.bus.PublishAsync(subject, payload); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("通知发布失败")
	}
}

func (n *BusNotifier) throttled(key string) bool {
	if n.throttle <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.throttleMap[key]; ok && time.Since(last) < n.throttle {
		return true
	}
	n.throttleMap[key] = time.Now()
	return false
}

// cleanupThrottleMap 定期清理过期节流项
func (n *BusNotifier) cleanupThrottleMap() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.mu.Lock()
			for key, last := range n.throttleMap {
				if time.Since(last) > n.throttle*2 {
					delete(n.throttleMap, key)
				}
			}
			n.mu.Unlock()
		case <-n.stopCh:
			return
		}
	}
}

// Close 停止清理协程
func (n *BusNotifier) Close() {
	close(n.stopCh)
}

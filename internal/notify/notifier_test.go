package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/engine/internal/alarm"
	"github.com/pulseone/engine/internal/core/bus"
	"github.com/pulseone/engine/internal/model"
)

type fakeBus struct {
	mu        sync.Mutex
	published []string
}

func (b *fakeBus) Publish(subject string, _ interface{}) error { return b.record(subject) }
func (b *fakeBus) PublishAsync(subject string, _ interface{}) error {
	return b.record(subject)
}
func (b *fakeBus) Subscribe(string, bus.MsgHandler) (bus.Subscription, error) { return nil, nil }
func (b *fakeBus) QueueSubscribe(string, string, bus.MsgHandler) (bus.Subscription, error) {
	return nil, nil
}
func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) record(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, subject)
	return nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func occurrence(ruleID int, state alarm.State) *alarm.Occurrence {
	return &alarm.Occurrence{
		ID:        "occ-1",
		RuleID:    ruleID,
		TenantID:  1,
		TargetRef: model.DataPointRef(100),
		State:     state,
		Severity:  alarm.SeverityMedium,
		Message:   "温度过高 - HIGH (值: 85)",
	}
}

func TestDispatchPublishesToAlarmSubject(t *testing.T) {
	fb := &fakeBus{}
	n := NewBusNotifier(fb, 0)
	t.Cleanup(n.Close)

	n.Dispatch(context.Background(), occurrence(7, alarm.StateActive), []string{"dingtalk"}, nil)

	require.Equal(t, 1, fb.count())
	assert.Equal(t, bus.AlarmSubject(1, 7), fb.published[0])
}

func TestDispatchThrottlesSameRuleAndState(t *testing.T) {
	fb := &fakeBus{}
	n := NewBusNotifier(fb, time.Minute)
	t.Cleanup(n.Close)
	ctx := context.Background()

	n.Dispatch(ctx, occurrence(7, alarm.StateActive), nil, nil)
	n.Dispatch(ctx, occurrence(7, alarm.StateActive), nil, nil)
	assert.Equal(t, 1, fb.count())

	// 状态不同不在同一节流键上
	n.Dispatch(ctx, occurrence(7, alarm.StateCleared), nil, nil)
	assert.Equal(t, 2, fb.count())

	// 规则不同也不节流
	n.Dispatch(ctx, occurrence(8, alarm.StateActive), nil, nil)
	assert.Equal(t, 3, fb.count())
}

func TestDispatchNoThrottleWhenDisabled(t *testing.T) {
	fb := &fakeBus{}
	n := NewBusNotifier(fb, 0)
	t.Cleanup(n.Close)
	ctx := context.Background()

	n.Dispatch(ctx, occurrence(7, alarm.StateActive), nil, nil)
	n.Dispatch(ctx, occurrence(7, alarm.StateActive), nil, nil)
	assert.Equal(t, 2, fb.count())
}

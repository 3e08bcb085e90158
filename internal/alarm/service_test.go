package alarm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/storage"
)

type fakeRuleProvider struct {
	mu    sync.Mutex
	rules map[int]*Rule
}

func newFakeRuleProvider(rules ...*Rule) *fakeRuleProvider {
	p := &fakeRuleProvider{rules: make(map[int]*Rule)}
	for _, r := range rules {
		p.rules[r.ID] = r
	}
	return p
}

func (p *fakeRuleProvider) Rule(id int) (*Rule, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rules[id]
	return r, ok
}

func (p *fakeRuleProvider) RulesForTarget(ref model.PointRef) []*Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Rule
	for _, r := range p.rules {
		if r.Enabled && r.TargetRef() == ref {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakeRuleProvider) Rules() []*Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []*Occurrence
}

func (n *fakeNotifier) Dispatch(_ context.Context, occ *Occurrence, _, _ []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, occ)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestService(t *testing.T, telemetry storage.Store, rules ...*Rule) (*Service, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	svc := NewService(newFakeRuleProvider(rules...), NewMemoryOccurrenceStore(), telemetry, notifier, time.Hour)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return svc, notifier
}

func TestServiceTriggerAndAutoClear(t *testing.T) {
	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.Deadband = 2
	rule.NotificationEnabled = true
	rule.NotificationChannels = []string{"dingtalk"}

	svc, notifier := newTestService(t, storage.NewMemoryStore(), rule)
	ctx := context.Background()
	target := rule.TargetRef()

	svc.HandleValue(ctx, target, pv(85.0))
	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StateActive, open[0].State)
	assert.Equal(t, 1, notifier.count())

	// 同一越限不重复触发
	svc.HandleValue(ctx, target, pv(86.0))
	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, 1, notifier.count())

	// 回落越过死区自动清除并再次通知
	svc.HandleValue(ctx, target, pv(77.0))
	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 2, notifier.count())

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.Triggered)
	assert.EqualValues(t, 1, stats.Cleared)
	assert.EqualValues(t, 2, stats.Notifications)
}

// 效率低于下限触发，单低沿用规则配置的严重度
func TestServiceLowLimitKeepsRuleSeverity(t *testing.T) {
	rule := analogRule(2)
	rule.Name = "效率过低"
	rule.TargetType = TargetVirtualPoint
	rule.TargetID = 1
	rule.LowLimit = f64(80)

	svc, _ := newTestService(t, storage.NewMemoryStore(), rule)
	ctx := context.Background()

	svc.HandleValue(ctx, rule.TargetRef(), pv(78.0))
	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, SeverityMedium, open[0].Severity)
	assert.Equal(t, LevelLow, open[0].AlarmLevel)
}

func TestServiceSuppressionLift(t *testing.T) {
	telemetry := storage.NewMemoryStore()
	maint := model.DataPointRef(50)
	ctx := context.Background()
	// 维护模式开启，告警被抑制
	require.NoError(t, telemetry.PublishValue(ctx, maint, pv(1)))

	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.SuppressionRules = fmt.Sprintf(`{"type":"condition_based","point":"%s","operator":"==","value":1}`, maint)

	svc, _ := newTestService(t, telemetry, rule)
	target := rule.TargetRef()

	svc.HandleValue(ctx, target, pv(85.0))
	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// 维护结束且条件仍成立，以解除时刻开告警
	require.NoError(t, telemetry.PublishValue(ctx, maint, pv(0)))
	svc.HandleValue(ctx, target, pv(86.0))
	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StateActive, open[0].State)
}

// 抑制解除不依赖点位下一次发布，周期复查即开告警
func TestServiceSuppressionSweepOpensWithoutPublish(t *testing.T) {
	telemetry := storage.NewMemoryStore()
	maint := model.DataPointRef(50)
	ctx := context.Background()
	require.NoError(t, telemetry.PublishValue(ctx, maint, pv(1)))

	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.SuppressionRules = fmt.Sprintf(`{"type":"condition_based","point":"%s","operator":"==","value":1}`, maint)

	svc, _ := newTestService(t, telemetry, rule)
	svc.HandleValue(ctx, rule.TargetRef(), pv(85.0))

	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// 维护结束，无后续遥测，复查周期内开告警
	require.NoError(t, telemetry.PublishValue(ctx, maint, pv(0)))
	svc.sweepSuppression(ctx, time.Now())

	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StateActive, open[0].State)
}

// 时间窗抑制解除时，告警时间戳取窗口结束边界
func TestServiceSuppressionLiftStampsWindowEnd(t *testing.T) {
	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.SuppressionRules = `[{"type":"time_based","start_time":"22:00","end_time":"23:00"}]`

	svc, _ := newTestService(t, storage.NewMemoryStore(), rule)
	ctx := context.Background()

	inWindow := time.Date(2026, 8, 24, 22, 30, 0, 0, time.Local)
	svc.suppression.now = func() time.Time { return inWindow }
	svc.HandleValue(ctx, rule.TargetRef(), pv(85.0))
	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	after := time.Date(2026, 8, 24, 23, 40, 0, 0, time.Local)
	svc.suppression.now = func() time.Time { return after }
	svc.sweepSuppression(ctx, after)

	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	windowEnd := time.Date(2026, 8, 24, 23, 0, 0, 0, time.Local)
	assert.Equal(t, windowEnd, open[0].OccurrenceTime)
}

// 已开告警随抑制窗口进出在活动/抑制态间切换
func TestServiceSuppressionShelvesOpenAlarm(t *testing.T) {
	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.SuppressionRules = `[{"type":"time_based","start_time":"22:00","end_time":"23:00"}]`

	svc, _ := newTestService(t, storage.NewMemoryStore(), rule)
	ctx := context.Background()

	day := func(hh, mm int) time.Time {
		return time.Date(2026, 8, 24, hh, mm, 0, 0, time.Local)
	}
	svc.suppression.now = func() time.Time { return day(10, 0) }
	svc.HandleValue(ctx, rule.TargetRef(), pv(85.0))
	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StateActive, open[0].State)

	svc.suppression.now = func() time.Time { return day(22, 30) }
	svc.sweepSuppression(ctx, day(22, 30))
	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StateSuppressed, open[0].State)

	svc.suppression.now = func() time.Time { return day(23, 40) }
	svc.sweepSuppression(ctx, day(23, 40))
	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StateActive, open[0].State)
}

// 活动未确认告警按 repeat_interval_min 重复通知
func TestServiceRepeatNotification(t *testing.T) {
	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.AutoClear = false
	rule.NotificationEnabled = true
	rule.RepeatIntervalMin = 10

	svc, notifier := newTestService(t, storage.NewMemoryStore(), rule)
	ctx := context.Background()

	svc.HandleValue(ctx, rule.TargetRef(), pv(85.0))
	require.Equal(t, 1, notifier.count())

	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	occTime := open[0].OccurrenceTime

	// 未到重复间隔不通知
	svc.sweepSuppression(ctx, occTime.Add(5*time.Minute))
	assert.Equal(t, 1, notifier.count())

	svc.sweepSuppression(ctx, occTime.Add(15*time.Minute))
	assert.Equal(t, 2, notifier.count())

	// 下一次到期在20分钟，15分钟不重复
	svc.sweepSuppression(ctx, occTime.Add(15*time.Minute))
	assert.Equal(t, 2, notifier.count())
}

func TestServiceManualLifecycle(t *testing.T) {
	rule := analogRule(1)
	rule.HighLimit = f64(80)
	rule.AutoClear = false

	svc, _ := newTestService(t, storage.NewMemoryStore(), rule)
	ctx := context.Background()

	svc.HandleValue(ctx, rule.TargetRef(), pv(85.0))
	open, err := svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	id := open[0].ID

	acked, err := svc.Acknowledge(ctx, id, "operator", "已通知现场")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)

	cleared, err := svc.Clear(ctx, id, "operator", "处理完成")
	require.NoError(t, err)
	assert.Equal(t, StateCleared, cleared.State)

	// 手动清除后重置了越限状态，再次越限可重新触发
	svc.HandleValue(ctx, rule.TargetRef(), pv(90.0))
	open, err = svc.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestServiceRecoverRestoresActiveState(t *testing.T) {
	rule := analogRule(1)
	rule.HighLimit = f64(80)

	store := NewMemoryOccurrenceStore()
	telemetry := storage.NewMemoryStore()
	ctx := context.Background()

	first := NewService(newFakeRuleProvider(rule), store, telemetry, nil, time.Hour)
	require.NoError(t, first.Start(ctx))
	first.HandleValue(ctx, rule.TargetRef(), pv(85.0))
	first.Stop()

	// 以同一持久层重启，仍在越限不重复触发
	second := NewService(newFakeRuleProvider(rule), store, telemetry, nil, time.Hour)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(second.Stop)

	second.HandleValue(ctx, rule.TargetRef(), pv(86.0))
	open, err := second.OpenOccurrences(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.EqualValues(t, 0, second.Stats().Triggered)
}

package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/engine/internal/alarm"
	"github.com/pulseone/engine/internal/model"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

const sampleYAML = `
virtual_points:
  - id: 1
    tenant_id: 1
    name: 生产效率
    formula: production / target * 100
    trigger: onchange
    enabled: true
    inputs:
      - variable_name: production
        source_type: data_point
        source_id: 100
        is_required: true
      - variable_name: target
        source_type: constant
        constant_value: 1000
alarm_rules:
  - id: 10
    tenant_id: 1
    name: 效率过低
    target_type: virtual_point
    target_id: 1
    alarm_type: analog
    low_limit: 80
    enabled: true
`

func TestRegistryLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "points.yaml", sampleYAML)

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	def, ok := r.Definition(1)
	require.True(t, ok)
	assert.Equal(t, "生产效率", def.Name)
	require.Len(t, def.Inputs, 2)
	assert.Equal(t, model.KindConstant, def.Inputs[1].SourceType)

	rule, ok := r.Rule(10)
	require.True(t, ok)
	assert.Equal(t, alarm.TypeAnalog, rule.AlarmType)
	// 未配置严重度时默认medium
	assert.Equal(t, alarm.SeverityMedium, rule.Severity)

	bound := r.RulesForTarget(model.VirtualPointRef(1))
	require.Len(t, bound, 1)
	assert.Equal(t, 10, bound[0].ID)
}

// 组目标规则可加载可查询，但没有点位引用，不参与遥测分发
func TestRegistryGroupTargetRule(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "group.yaml", `
alarm_rules:
  - id: 30
    tenant_id: 1
    name: 车间温度异常
    target_type: group
    target_group: workshop_a
    alarm_type: analog
    high_limit: 40
    enabled: true
`)

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	rule, ok := r.Rule(30)
	require.True(t, ok)
	assert.Equal(t, alarm.TargetGroup, rule.TargetType)
	assert.Equal(t, "workshop_a", rule.TargetGroup)

	assert.Empty(t, r.RulesForTarget(model.DataPointRef(0)))
	assert.Empty(t, r.RulesForTarget(model.VirtualPointRef(30)))
}

func TestRegistryLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "rules.json", `{
		"alarm_rules": [
			{"id": 20, "tenant_id": 1, "name": "门开报警",
			 "target_type": "data_point", "target_id": 5,
			 "alarm_type": "digital", "enabled": true}
		]
	}`)

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	rule, ok := r.Rule(20)
	require.True(t, ok)
	// 数字量默认 on_true 触发
	assert.Equal(t, alarm.TriggerOnTrue, rule.TriggerCondition)
}

func TestRegistrySkipsInvalidEntries(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "mixed.yaml", `
virtual_points:
  - id: 1
    name: 正常定义
    formula: a + 1
    trigger: onchange
    enabled: true
    inputs:
      - variable_name: a
        source_type: data_point
        source_id: 3
  - id: 2
    name: 缺公式
    trigger: onchange
  - id: 3
    name: 变量重名
    formula: a + a
    trigger: onchange
    inputs:
      - variable_name: a
        source_type: data_point
        source_id: 3
      - variable_name: a
        source_type: data_point
        source_id: 4
alarm_rules:
  - id: 10
    name: 无限值
    target_type: data_point
    target_id: 3
    alarm_type: analog
`)

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	assert.Len(t, r.Definitions(), 1)
	_, ok := r.Definition(1)
	assert.True(t, ok)
	assert.Empty(t, r.Rules())
}

func TestRegistrySkipsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "broken.json", `{not json`)
	writeConfig(t, dir, "good.yaml", sampleYAML)
	writeConfig(t, dir, "notes.txt", "不是配置文件")

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	assert.Len(t, r.Definitions(), 1)
	assert.Len(t, r.Rules(), 1)
}

func TestRegistryTimerIntervalDefault(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "timer.yaml", `
virtual_points:
  - id: 5
    name: 周期统计
    formula: "1"
    trigger: timer
    enabled: true
`)

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	def, ok := r.Definition(5)
	require.True(t, ok)
	assert.Equal(t, time.Minute, def.CalculationInterval)
}

func TestRegistryHotReload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "points.yaml", sampleYAML)

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })

	events, err := r.WatchChanges()
	require.NoError(t, err)

	writeConfig(t, dir, "extra.yaml", `
virtual_points:
  - id: 2
    name: 新增点位
    formula: b * 2
    trigger: onchange
    enabled: true
    inputs:
      - variable_name: b
        source_type: data_point
        source_id: 7
`)

	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			_ = ev
			_, ok := r.Definition(2)
			return ok
		default:
			_, ok := r.Definition(2)
			return ok
		}
	}, 3*time.Second, 50*time.Millisecond, "热重载未生效")
}

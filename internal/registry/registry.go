package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/pulseone/engine/internal/alarm"
	"github.com/pulseone/engine/internal/model"
	"github.com/pulseone/engine/internal/virtualpoint"
)

// ChangeKind 配置变更类别
type ChangeKind string

const (
	ChangeVirtualPoints ChangeKind = "virtual_points"
	ChangeAlarmRules    ChangeKind = "alarm_rules"
)

// Event 配置变更事件
type Event struct {
	Kind      ChangeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// configFile 配置文件结构，虚拟点位与告警规则可混写
type configFile struct {
	VirtualPoints []*virtualpoint.Definition `json:"virtual_points" yaml:"virtual_points"`
	AlarmRules    []*alarm.Rule              `json:"alarm_rules" yaml:"alarm_rules"`
}

// Registry 定义与规则注册表
// 从配置目录加载虚拟点位定义与告警规则，fsnotify热重载
type Registry struct {
	dir string

	mu          sync.RWMutex
	definitions map[int]*virtualpoint.Definition
	rules       map[int]*alarm.Rule

	watcher     *fsnotify.Watcher
	changesChan chan Event
	stopCh      chan struct{}
}

// NewRegistry 创建注册表
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:         dir,
		definitions: make(map[int]*virtualpoint.Definition),
		rules:       make(map[int]*alarm.Rule),
		changesChan: make(chan Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Load 扫描配置目录并加载全部定义与规则
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	definitions := make(map[int]*virtualpoint.Definition)
	rules := make(map[int]*alarm.Rule)

	err := filepath.Walk(r.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			return nil
		}

		file, err := loadConfigFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("加载配置文件失败")
			return nil // 继续处理其他文件
		}
		for _, def := range file.VirtualPoints {
			if err := validateDefinition(def); err != nil {
				log.Error().Err(err).Int("id", def.ID).Str("file", path).Msg("虚拟点位定义校验失败")
				continue
			}
			definitions[def.ID] = def
		}
		for _, rule := range file.AlarmRules {
			if err := validateRule(rule); err != nil {
				log.Error().Err(err).Int("id", rule.ID).Str("file", path).Msg("告警规则校验失败")
				continue
			}
			rules[rule.ID] = rule
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("扫描配置目录失败: %w", err)
	}

	r.definitions = definitions
	r.rules = rules
	log.Info().
		Int("virtual_points", len(definitions)).
		Int("alarm_rules", len(rules)).
		Str("dir", r.dir).
		Msg("配置加载完成")
	return nil
}

// loadConfigFile 解析单个配置文件
func loadConfigFile(path string) (*configFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	var file configFile
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("解析JSON配置失败: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("解析YAML配置失败: %w", err)
		}
	}
	return &file, nil
}

// validateDefinition 虚拟点位定义校验
func validateDefinition(def *virtualpoint.Definition) error {
	if def.ID <= 0 {
		return fmt.Errorf("定义ID非法: %d", def.ID)
	}
	if def.Formula == "" {
		return fmt.Errorf("公式不能为空")
	}
	seen := make(map[string]struct{}, len(def.Inputs))
	for _, in := range def.Inputs {
		if in.VariableName == "" {
			return fmt.Errorf("输入变量名不能为空")
		}
		if _, dup := seen[in.VariableName]; dup {
			return fmt.Errorf("输入变量名重复: %s", in.VariableName)
		}
		seen[in.VariableName] = struct{}{}
		if in.SourceType != model.KindConstant && in.SourceType != model.KindFormula && in.SourceID <= 0 {
			return fmt.Errorf("输入 %s 缺少来源点位", in.VariableName)
		}
	}
	if def.Trigger == virtualpoint.TriggerTimer && def.CalculationInterval <= 0 {
		def.CalculationInterval = time.Minute
	}
	return nil
}

// validateRule 告警规则校验
func validateRule(rule *alarm.Rule) error {
	if rule.ID <= 0 {
		return fmt.Errorf("规则ID非法: %d", rule.ID)
	}
	if rule.Name == "" {
		return fmt.Errorf("规则名不能为空")
	}
	switch rule.AlarmType {
	case alarm.TypeAnalog:
		if rule.HighHighLimit == nil && rule.HighLimit == nil &&
			rule.LowLimit == nil && rule.LowLowLimit == nil && rule.RateOfChange <= 0 {
			return fmt.Errorf("模拟量规则未配置任何限值")
		}
	case alarm.TypeDigital:
		if rule.TriggerCondition == "" {
			rule.TriggerCondition = alarm.TriggerOnTrue
		}
	case alarm.TypeScript:
		if rule.ConditionScript == "" {
			return fmt.Errorf("脚本规则缺少条件脚本")
		}
	default:
		return fmt.Errorf("未知的告警类型: %s", rule.AlarmType)
	}
	if rule.Severity == "" {
		rule.Severity = alarm.SeverityMedium
	}
	// 组目标没有点位引用，遥测分发不会命中，加载但提示配置者
	if rule.TargetType == alarm.TargetGroup {
		log.Warn().
			Int("id", rule.ID).
			Str("target_group", rule.TargetGroup).
			Msg("组目标告警规则不参与点位遥测评估，仅可手动查询")
	}
	return nil
}

// Definitions 返回全部虚拟点位定义快照
func (r *Registry) Definitions() []*virtualpoint.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*virtualpoint.Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, def)
	}
	return out
}

// Definition 按ID取定义
func (r *Registry) Definition(id int) (*virtualpoint.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	return def, ok
}

// Rules 返回全部告警规则快照
func (r *Registry) Rules() []*alarm.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*alarm.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}

// Rule 按ID取规则
func (r *Registry) Rule(id int) (*alarm.Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// RulesForTarget 取绑定到指定点位的启用规则
func (r *Registry) RulesForTarget(ref model.PointRef) []*alarm.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*alarm.Rule
	for _, rule := range r.rules {
		if rule.Enabled && rule.TargetRef() == ref {
			out = append(out, rule)
		}
	}
	return out
}

// WatchChanges 启动目录监控，返回变更事件通道
func (r *Registry) WatchChanges() (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控失败: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("监控配置目录失败: %w", err)
	}
	r.watcher = watcher

	go r.watchFileChanges()
	return r.changesChan, nil
}

// watchFileChanges 文件事件去抖后整体重载
func (r *Registry) watchFileChanges() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".json" && ext != ".yaml" && ext != ".yml" {
				continue
			}
			// 编辑器多次写入合并为一次重载
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, r.reload)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("配置目录监控错误")
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reload() {
	if err := r.Load(); err != nil {
		log.Error().Err(err).Msg("配置热重载失败")
		return
	}
	now := time.Now()
	for _, kind := range []ChangeKind{ChangeVirtualPoints, ChangeAlarmRules} {
		select {
		case r.changesChan <- Event{Kind: kind, Timestamp: now}:
		default:
			log.Warn().Str("kind", string(kind)).Msg("配置变更事件通道已满，事件丢弃")
		}
	}
}

// Close 停止监控并关闭事件通道
func (r *Registry) Close() error {
	close(r.stopCh)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

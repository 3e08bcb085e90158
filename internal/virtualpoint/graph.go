package virtualpoint

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/model"
)

// DefaultMaxDependencyDepth 依赖链深度上限的默认值
const DefaultMaxDependencyDepth = 10

// Graph 单租户的虚拟点位依赖图
// 节点为点位引用，边为 输入源 -> 虚拟点位；不变量：图始终无环
// 所有遍历均为迭代式Kahn/BFS，不使用递归
type Graph struct {
	mu       sync.RWMutex
	tenantID int
	maxDepth int

	// downstream: 源点位 -> 依赖它的虚拟点位ID集合
	downstream map[model.PointRef]map[int]struct{}
	// upstream: 虚拟点位ID -> 非常量输入源集合
	upstream map[int]map[model.PointRef]struct{}
	// trigger: 虚拟点位ID -> 触发方式
	trigger map[int]Trigger
	// level: 虚拟点位ID -> 依赖层级
	level map[int]int
}

// NewGraph 创建租户依赖图，maxDepth<=0 时使用默认上限
func NewGraph(tenantID, maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDependencyDepth
	}
	return &Graph{
		tenantID:   tenantID,
		maxDepth:   maxDepth,
		downstream: make(map[model.PointRef]map[int]struct{}),
		upstream:   make(map[int]map[model.PointRef]struct{}),
		trigger:    make(map[int]Trigger),
		level:      make(map[int]int),
	}
}

// AddDefinition 登记一个定义的全部输入边
// 任何一条边会闭环或超出深度上限时整体失败，图保持原状
func (g *Graph) AddDefinition(def *Definition) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	vpRef := def.Ref()
	sources := make(map[model.PointRef]struct{})
	for _, in := range def.Inputs {
		src := in.SourceRef()
		if src.IsZero() {
			continue // 常量与内联公式不进图
		}
		if src == vpRef {
			return NewConfigurationError("虚拟点位 %d 不能以自身为输入", def.ID)
		}
		// vpRef 已可达 src 时，新边 src->vpRef 会闭环
		if g.reachable(vpRef, src) {
			return NewConfigurationError("虚拟点位 %d 的输入 %s 会形成循环依赖", def.ID, src)
		}
		sources[src] = struct{}{}
	}

	lvl := g.computeLevel(sources)
	if lvl > g.maxDepth {
		return NewConfigurationError("虚拟点位 %d 依赖层级 %d 超过上限 %d", def.ID, lvl, g.maxDepth)
	}

	// 校验全部通过后才落图
	g.removeLocked(def.ID)
	g.upstream[def.ID] = sources
	for src := range sources {
		if g.downstream[src] == nil {
			g.downstream[src] = make(map[int]struct{})
		}
		g.downstream[src][def.ID] = struct{}{}
	}
	g.trigger[def.ID] = def.Trigger
	g.level[def.ID] = lvl
	def.DependencyLevel = lvl

	log.Debug().Int("tenant_id", g.tenantID).Int("vp_id", def.ID).
		Int("inputs", len(sources)).Int("level", lvl).Msg("依赖图登记虚拟点位")
	return nil
}

// Validate 只做入图校验，不修改图，编辑期预检用
func (g *Graph) Validate(def *Definition) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	vpRef := def.Ref()
	sources := make(map[model.PointRef]struct{})
	for _, in := range def.Inputs {
		src := in.SourceRef()
		if src.IsZero() {
			continue
		}
		if src == vpRef {
			return NewConfigurationError("虚拟点位 %d 不能以自身为输入", def.ID)
		}
		if g.reachable(vpRef, src) {
			return NewConfigurationError("虚拟点位 %d 的输入 %s 会形成循环依赖", def.ID, src)
		}
		sources[src] = struct{}{}
	}
	if lvl := g.computeLevel(sources); lvl > g.maxDepth {
		return NewConfigurationError("虚拟点位 %d 依赖层级 %d 超过上限 %d", def.ID, lvl, g.maxDepth)
	}
	return nil
}

// RemoveDefinition 从图中摘除一个虚拟点位
func (g *Graph) RemoveDefinition(vpID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(vpID)
}

func (g *Graph) removeLocked(vpID int) {
	for src := range g.upstream[vpID] {
		delete(g.downstream[src], vpID)
		if len(g.downstream[src]) == 0 {
			delete(g.downstream, src)
		}
	}
	delete(g.upstream, vpID)
	delete(g.trigger, vpID)
	delete(g.level, vpID)
}

// reachable 判断从 from 出发沿 downstream 边能否到达 target（迭代BFS）
// from 为虚拟点位引用时同样适用：虚拟点位自身也是其他点位的源
func (g *Graph) reachable(from, target model.PointRef) bool {
	if from == target {
		return true
	}
	visited := make(map[int]struct{})
	queue := make([]model.PointRef, 0, 8)
	queue = append(queue, from)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for vpID := range g.downstream[cur] {
			if _, seen := visited[vpID]; seen {
				continue
			}
			visited[vpID] = struct{}{}
			ref := model.VirtualPointRef(vpID)
			if ref == target {
				return true
			}
			queue = append(queue, ref)
		}
	}
	return false
}

// computeLevel 依赖层级 = 1 + 非常量输入的最大层级；真实点位层级为0
func (g *Graph) computeLevel(sources map[model.PointRef]struct{}) int {
	maxSrc := 0
	for src := range sources {
		if src.Kind == model.KindVirtualPoint {
			if l, ok := g.level[src.ID]; ok && l > maxSrc {
				maxSrc = l
			}
		}
	}
	return maxSrc + 1
}

// DependencyLevel 查询虚拟点位的依赖层级
func (g *Graph) DependencyLevel(vpID int) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.level[vpID]
	return l, ok
}

// Downstream 返回点位更新波及的 onchange 虚拟点位闭包，按拓扑序排列
// 非 onchange 触发的点位既不进入结果也不向下传播，由各自的调度独立负责
func (g *Graph) Downstream(changed model.PointRef) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// 先收集闭包：只穿过 onchange 点位
	closure := make(map[int]struct{})
	queue := []model.PointRef{changed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for vpID := range g.downstream[cur] {
			if _, seen := closure[vpID]; seen {
				continue
			}
			if g.trigger[vpID] != TriggerOnChange {
				continue
			}
			closure[vpID] = struct{}{}
			queue = append(queue, model.VirtualPointRef(vpID))
		}
	}
	if len(closure) == 0 {
		return nil
	}

	// 闭包内Kahn拓扑排序
	indeg := make(map[int]int, len(closure))
	for vpID := range closure {
		n := 0
		for src := range g.upstream[vpID] {
			if src.Kind == model.KindVirtualPoint {
				if _, in := closure[src.ID]; in {
					n++
				}
			}
		}
		indeg[vpID] = n
	}

	ready := make([]int, 0, len(closure))
	for vpID, n := range indeg {
		if n == 0 {
			ready = append(ready, vpID)
		}
	}
	sort.Ints(ready) // 同层内按ID稳定排序，便于测试与重放

	order := make([]int, 0, len(closure))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		next := make([]int, 0)
		for depID := range g.downstream[model.VirtualPointRef(cur)] {
			if _, in := closure[depID]; !in {
				continue
			}
			indeg[depID]--
			if indeg[depID] == 0 {
				next = append(next, depID)
			}
		}
		sort.Ints(next)
		ready = append(ready, next...)
	}
	return order
}

// Inputs 返回虚拟点位的非常量输入源快照
func (g *Graph) Inputs(vpID int) []model.PointRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	refs := make([]model.PointRef, 0, len(g.upstream[vpID]))
	for src := range g.upstream[vpID] {
		refs = append(refs, src)
	}
	return refs
}

// Size 返回图中登记的虚拟点位数量
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.upstream)
}

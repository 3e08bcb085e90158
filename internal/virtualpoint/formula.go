package virtualpoint

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"sort"
	"strconv"

	"github.com/pulseone/engine/internal/model"
)

// DefaultMaxSteps 单次公式执行的AST节点步数预算
const DefaultMaxSteps = 100000

// Sandbox 公式执行沙箱
// 基于 go/parser 的安全表达式子集：只有注入的变量、窗口数据和内置函数，
// 无网络、文件与系统调用；通过步数预算+上下文期限实现协作式取消
type Sandbox struct {
	maxSteps int
	builtins map[string]builtinFunc
}

// builtinFunc 沙箱内置函数
type builtinFunc func(ev *evaluation, args ...interface{}) (interface{}, error)

// NewSandbox 创建沙箱，maxSteps<=0 时使用默认预算
func NewSandbox(maxSteps int) *Sandbox {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	s := &Sandbox{
		maxSteps: maxSteps,
		builtins: make(map[string]builtinFunc),
	}
	s.registerBuiltins()
	return s
}

// evaluation 单次执行的状态
type evaluation struct {
	ctx     context.Context
	vars    map[string]interface{}
	windows map[string][]float64
	steps   int
	max     int
}

// ErrBudget 步数预算耗尽的内部标记
var errBudgetExceeded = fmt.Errorf("执行步数预算耗尽")

// Evaluate 执行公式
// vars 为已解析的输入变量，windows 为各变量的窗口数据（供聚合函数使用）
func (s *Sandbox) Evaluate(ctx context.Context, formula string, vars map[string]interface{}, windows map[string][]float64) (interface{}, error) {
	expr, err := parser.ParseExpr(formula)
	if err != nil {
		return nil, NewConfigurationError("公式语法错误: %v", err)
	}

	ev := &evaluation{
		ctx:     ctx,
		vars:    vars,
		windows: windows,
		max:     s.maxSteps,
	}
	result, err := s.evalNode(ev, expr)
	if err != nil {
		if err == errBudgetExceeded || ctx.Err() != nil {
			return nil, NewEngineError(ErrCodeEvaluationTimeout, "公式执行超出预算").WithCause(err)
		}
		return nil, err
	}
	return result, nil
}

// Validate 编辑期校验：语法合法且只含沙箱支持的节点与运算符
// go/parser 接受的表达式子集大于沙箱子集（如 *x、索引、选择器），
// 这里按求值白名单逐节点检查，越界的公式在编辑期即被拒绝
func (s *Sandbox) Validate(formula string) error {
	expr, err := parser.ParseExpr(formula)
	if err != nil {
		return NewConfigurationError("公式语法错误: %v", err)
	}

	var bad error
	reject := func(format string, args ...interface{}) bool {
		bad = NewConfigurationError(format, args...)
		return false
	}
	ast.Inspect(expr, func(node ast.Node) bool {
		if node == nil || bad != nil {
			return false
		}
		switch n := node.(type) {
		case *ast.Ident, *ast.ParenExpr:
			return true
		case *ast.BasicLit:
			switch n.Kind {
			case token.INT, token.FLOAT, token.STRING:
				return true
			}
			return reject("不支持的字面量: %s", n.Kind)
		case *ast.BinaryExpr:
			switch n.Op {
			case token.LAND, token.LOR,
				token.ADD, token.SUB, token.MUL, token.QUO, token.REM,
				token.EQL, token.NEQ, token.LSS, token.GTR, token.LEQ, token.GEQ:
				return true
			}
			return reject("不支持的运算符: %s", n.Op)
		case *ast.UnaryExpr:
			if n.Op == token.SUB || n.Op == token.NOT {
				return true
			}
			return reject("不支持的一元运算符: %s", n.Op)
		case *ast.CallExpr:
			ident, ok := n.Fun.(*ast.Ident)
			if !ok {
				return reject("不支持的函数调用形式")
			}
			if _, exists := s.builtins[ident.Name]; !exists {
				return reject("未定义的函数: %s", ident.Name)
			}
			return true
		default:
			return reject("不支持的表达式节点: %T", node)
		}
	})
	return bad
}

// evalNode 评估AST节点，每个节点消耗一步预算
func (s *Sandbox) evalNode(ev *evaluation, node ast.Node) (interface{}, error) {
	ev.steps++
	if ev.steps > ev.max {
		return nil, errBudgetExceeded
	}
	// 每256步检查一次取消
	if ev.steps&0xff == 0 {
		if err := ev.ctx.Err(); err != nil {
			return nil, err
		}
	}

	switch n := node.(type) {
	case *ast.BasicLit:
		return parseBasicLit(n)
	case *ast.Ident:
		return s.evalIdent(ev, n)
	case *ast.ParenExpr:
		return s.evalNode(ev, n.X)
	case *ast.BinaryExpr:
		return s.evalBinary(ev, n)
	case *ast.UnaryExpr:
		return s.evalUnary(ev, n)
	case *ast.CallExpr:
		return s.evalCall(ev, n)
	default:
		return nil, NewEvaluationError(fmt.Sprintf("不支持的表达式节点: %T", node), nil)
	}
}

func (s *Sandbox) evalIdent(ev *evaluation, n *ast.Ident) (interface{}, error) {
	switch n.Name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if v, ok := ev.vars[n.Name]; ok {
		return v, nil
	}
	return nil, NewEvaluationError(fmt.Sprintf("未定义的变量: %s", n.Name), nil)
}

func parseBasicLit(lit *ast.BasicLit) (interface{}, error) {
	switch lit.Kind {
	case token.INT:
		i, err := strconv.ParseInt(lit.Value, 0, 64)
		if err != nil {
			return nil, NewEvaluationError("整数字面量解析失败", err)
		}
		return float64(i), nil
	case token.FLOAT:
		return strconv.ParseFloat(lit.Value, 64)
	case token.STRING:
		return strconv.Unquote(lit.Value)
	default:
		return nil, NewEvaluationError(fmt.Sprintf("不支持的字面量: %s", lit.Kind), nil)
	}
}

func (s *Sandbox) evalBinary(ev *evaluation, n *ast.BinaryExpr) (interface{}, error) {
	// 逻辑运算短路
	if n.Op == token.LAND || n.Op == token.LOR {
		left, err := s.evalNode(ev, n.X)
		if err != nil {
			return nil, err
		}
		lb := truthy(left)
		if n.Op == token.LAND && !lb {
			return false, nil
		}
		if n.Op == token.LOR && lb {
			return true, nil
		}
		right, err := s.evalNode(ev, n.Y)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := s.evalNode(ev, n.X)
	if err != nil {
		return nil, err
	}
	right, err := s.evalNode(ev, n.Y)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case token.ADD:
		if lf, lok := model.ToFloat64(left); lok {
			if rf, rok := model.ToFloat64(right); rok {
				return lf + rf, nil
			}
		}
		// 任一侧非数值按字符串连接
		return model.FormatValue(left) + model.FormatValue(right), nil
	case token.SUB, token.MUL, token.QUO, token.REM:
		lf, lok := model.ToFloat64(left)
		rf, rok := model.ToFloat64(right)
		if !lok || !rok {
			return nil, NewEvaluationError(fmt.Sprintf("算术运算需要数值操作数: %v %s %v", left, n.Op, right), nil)
		}
		switch n.Op {
		case token.SUB:
			return lf - rf, nil
		case token.MUL:
			return lf * rf, nil
		case token.QUO:
			if rf == 0 {
				return nil, NewEvaluationError("除零错误", nil)
			}
			return lf / rf, nil
		default:
			if rf == 0 {
				return nil, NewEvaluationError("除零错误", nil)
			}
			return math.Mod(lf, rf), nil
		}
	case token.EQL:
		return compare(left, right) == 0, nil
	case token.NEQ:
		return compare(left, right) != 0, nil
	case token.LSS:
		return compare(left, right) < 0, nil
	case token.GTR:
		return compare(left, right) > 0, nil
	case token.LEQ:
		return compare(left, right) <= 0, nil
	case token.GEQ:
		return compare(left, right) >= 0, nil
	default:
		return nil, NewEvaluationError(fmt.Sprintf("不支持的运算符: %s", n.Op), nil)
	}
}

func (s *Sandbox) evalUnary(ev *evaluation, n *ast.UnaryExpr) (interface{}, error) {
	operand, err := s.evalNode(ev, n.X)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.SUB:
		if f, ok := model.ToFloat64(operand); ok {
			return -f, nil
		}
		return nil, NewEvaluationError("负号需要数值操作数", nil)
	case token.NOT:
		return !truthy(operand), nil
	default:
		return nil, NewEvaluationError(fmt.Sprintf("不支持的一元运算符: %s", n.Op), nil)
	}
}

func (s *Sandbox) evalCall(ev *evaluation, n *ast.CallExpr) (interface{}, error) {
	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, NewEvaluationError("不支持的函数调用形式", nil)
	}
	fn, exists := s.builtins[ident.Name]
	if !exists {
		return nil, NewEvaluationError(fmt.Sprintf("未定义的函数: %s", ident.Name), nil)
	}

	args := make([]interface{}, 0, len(n.Args))
	for _, arg := range n.Args {
		// getValue/聚合函数的首个裸标识符参数按变量名字面量处理
		if id, isIdent := arg.(*ast.Ident); isIdent && takesVariableName(ident.Name) && len(args) == 0 {
			args = append(args, id.Name)
			continue
		}
		v, err := s.evalNode(ev, arg)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return fn(ev, args...)
}

// takesVariableName 首参数为变量名的函数
func takesVariableName(name string) bool {
	switch name {
	case "getValue", "avg", "min_of", "max_of", "sum_of", "count_of", "stddev", "median":
		return true
	}
	return false
}

// registerBuiltins 注册内置函数：点位取值、窗口聚合、数学与工具函数
func (s *Sandbox) registerBuiltins() {
	// getValue(name) 取已解析输入的当前值
	s.builtins["getValue"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, NewEvaluationError("getValue需要1个参数", nil)
		}
		name := model.FormatValue(args[0])
		if v, ok := ev.vars[name]; ok {
			return v, nil
		}
		return nil, NewEvaluationError(fmt.Sprintf("getValue: 未知输入 %s", name), nil)
	}

	// 窗口聚合函数，参数为输入变量名
	agg := func(name string, reduce func([]float64) (float64, error)) builtinFunc {
		return func(ev *evaluation, args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, NewEvaluationError(name+"需要1个参数", nil)
			}
			varName := model.FormatValue(args[0])
			window, ok := ev.windows[varName]
			if !ok {
				return nil, NewEvaluationError(fmt.Sprintf("%s: 输入 %s 无窗口数据", name, varName), nil)
			}
			return reduce(window)
		}
	}
	s.builtins["avg"] = agg("avg", reduceAverage)
	s.builtins["min_of"] = agg("min_of", reduceMin)
	s.builtins["max_of"] = agg("max_of", reduceMax)
	s.builtins["sum_of"] = agg("sum_of", reduceSum)
	s.builtins["count_of"] = agg("count_of", func(w []float64) (float64, error) { return float64(len(w)), nil })
	s.builtins["stddev"] = agg("stddev", reduceStdDev)
	s.builtins["median"] = agg("median", reduceMedian)

	// 数学函数
	s.builtins["abs"] = numeric1("abs", math.Abs)
	s.builtins["sqrt"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		f, err := oneNumber("sqrt", args)
		if err != nil {
			return nil, err
		}
		if f < 0 {
			return nil, NewEvaluationError("sqrt不支持负数", nil)
		}
		return math.Sqrt(f), nil
	}
	s.builtins["floor"] = numeric1("floor", math.Floor)
	s.builtins["ceil"] = numeric1("ceil", math.Ceil)
	s.builtins["round"] = numeric1("round", math.Round)
	s.builtins["pow"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		x, y, err := twoNumbers("pow", args)
		if err != nil {
			return nil, err
		}
		return math.Pow(x, y), nil
	}
	s.builtins["min"] = variadicNumeric("min", math.Min)
	s.builtins["max"] = variadicNumeric("max", math.Max)
	s.builtins["clamp"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		if len(args) != 3 {
			return nil, NewEvaluationError("clamp需要3个参数", nil)
		}
		v, vok := model.ToFloat64(args[0])
		lo, lok := model.ToFloat64(args[1])
		hi, hok := model.ToFloat64(args[2])
		if !vok || !lok || !hok {
			return nil, NewEvaluationError("clamp参数必须是数值", nil)
		}
		return math.Min(math.Max(v, lo), hi), nil
	}

	// 条件与转换；if 是Go关键字无法出现在表达式里，条件函数取名 iif
	s.builtins["iif"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		if len(args) != 3 {
			return nil, NewEvaluationError("iif需要3个参数", nil)
		}
		if truthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil
	}
	s.builtins["toNumber"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		f, err := oneNumber("toNumber", args)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	s.builtins["toString"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, NewEvaluationError("toString需要1个参数", nil)
		}
		return model.FormatValue(args[0]), nil
	}
	s.builtins["toBool"] = func(ev *evaluation, args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, NewEvaluationError("toBool需要1个参数", nil)
		}
		return truthy(args[0]), nil
	}
}

func numeric1(name string, f func(float64) float64) builtinFunc {
	return func(ev *evaluation, args ...interface{}) (interface{}, error) {
		v, err := oneNumber(name, args)
		if err != nil {
			return nil, err
		}
		return f(v), nil
	}
}

func variadicNumeric(name string, pick func(float64, float64) float64) builtinFunc {
	return func(ev *evaluation, args ...interface{}) (interface{}, error) {
		if len(args) < 2 {
			return nil, NewEvaluationError(name+"至少需要2个参数", nil)
		}
		acc, ok := model.ToFloat64(args[0])
		if !ok {
			return nil, NewEvaluationError(name+"参数必须是数值", nil)
		}
		for _, a := range args[1:] {
			f, ok := model.ToFloat64(a)
			if !ok {
				return nil, NewEvaluationError(name+"参数必须是数值", nil)
			}
			acc = pick(acc, f)
		}
		return acc, nil
	}
}

func oneNumber(name string, args []interface{}) (float64, error) {
	if len(args) != 1 {
		return 0, NewEvaluationError(name+"需要1个参数", nil)
	}
	f, ok := model.ToFloat64(args[0])
	if !ok {
		return 0, NewEvaluationError(name+"参数必须是数值", nil)
	}
	return f, nil
}

func twoNumbers(name string, args []interface{}) (float64, float64, error) {
	if len(args) != 2 {
		return 0, 0, NewEvaluationError(name+"需要2个参数", nil)
	}
	x, xok := model.ToFloat64(args[0])
	y, yok := model.ToFloat64(args[1])
	if !xok || !yok {
		return 0, 0, NewEvaluationError(name+"参数必须是数值", nil)
	}
	return x, y, nil
}

// truthy 布尔语义：非零数值、非空非false字符串为真
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case nil:
		return false
	default:
		if f, ok := model.ToFloat64(v); ok {
			return f != 0
		}
	}
	return true
}

// compare 数值优先比较，退回字符串、布尔比较；不可比时返回0
func compare(a, b interface{}) int {
	if fa, ok := model.ToFloat64(a); ok {
		if fb, ok := model.ToFloat64(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			default:
				return 0
			}
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case !ba && bb:
				return -1
			case ba && !bb:
				return 1
			default:
				return 0
			}
		}
	}
	return 0
}

// 窗口归约函数

func reduceAverage(w []float64) (float64, error) {
	if len(w) == 0 {
		return 0, NewEvaluationError("窗口为空", nil)
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w)), nil
}

func reduceMin(w []float64) (float64, error) {
	if len(w) == 0 {
		return 0, NewEvaluationError("窗口为空", nil)
	}
	min := w[0]
	for _, v := range w[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

func reduceMax(w []float64) (float64, error) {
	if len(w) == 0 {
		return 0, NewEvaluationError("窗口为空", nil)
	}
	max := w[0]
	for _, v := range w[1:] {
		if v > max {
			max = v
		}
	}
	return max, nil
}

func reduceSum(w []float64) (float64, error) {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	return sum, nil
}

func reduceStdDev(w []float64) (float64, error) {
	if len(w) < 2 {
		return 0, nil
	}
	mean, _ := reduceAverage(w)
	var acc float64
	for _, v := range w {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(w)-1)), nil
}

func reduceMedian(w []float64) (float64, error) {
	if len(w) == 0 {
		return 0, NewEvaluationError("窗口为空", nil)
	}
	sorted := make([]float64, len(w))
	copy(sorted, w)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}

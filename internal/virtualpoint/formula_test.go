package virtualpoint

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxArithmetic(t *testing.T) {
	sandbox := NewSandbox(0)
	vars := map[string]interface{}{
		"a": 10.0,
		"b": 4.0,
		"s": "kWh",
	}

	tests := []struct {
		name    string
		formula string
		want    interface{}
	}{
		{"addition", "a + b", 14.0},
		{"subtraction", "a - b", 6.0},
		{"multiplication", "a * b", 40.0},
		{"division", "a / b", 2.5},
		{"modulo", "a % b", 2.0},
		{"precedence", "a + b * 2", 18.0},
		{"parens", "(a + b) * 2", 28.0},
		{"negation", "-a", -10.0},
		{"comparison", "a > b", true},
		{"equality", "a == 10", true},
		{"logical and", "a > 5 && b < 5", true},
		{"logical or", "a < 5 || b < 5", true},
		{"logical not", "!(a > b)", false},
		{"string concat", `s + "/day"`, "kWh/day"},
		{"number concat string", `a + s`, "10kWh"},
		{"conditional", "iif(a > b, a, b)", 10.0},
		{"true literal", "true", true},
		{"null literal", "null", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sandbox.Evaluate(context.Background(), tt.formula, vars, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSandboxMathBuiltins(t *testing.T) {
	sandbox := NewSandbox(0)
	vars := map[string]interface{}{"x": -3.7}

	tests := []struct {
		formula string
		want    float64
	}{
		{"abs(x)", 3.7},
		{"floor(3.7)", 3},
		{"ceil(3.2)", 4},
		{"round(3.5)", 4},
		{"sqrt(16)", 4},
		{"pow(2, 10)", 1024},
		{"min(3, 1, 2)", 1},
		{"max(3, 1, 2)", 3},
		{"clamp(15, 0, 10)", 10},
		{"clamp(-5, 0, 10)", 0},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			got, err := sandbox.Evaluate(context.Background(), tt.formula, vars, nil)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSandboxWindowAggregations(t *testing.T) {
	sandbox := NewSandbox(0)
	vars := map[string]interface{}{"temp": 22.0}
	windows := map[string][]float64{
		"temp": {20, 21, 22, 23, 24},
	}

	tests := []struct {
		formula string
		want    float64
	}{
		{"avg(temp)", 22},
		{"min_of(temp)", 20},
		{"max_of(temp)", 24},
		{"sum_of(temp)", 110},
		{"count_of(temp)", 5},
		{"median(temp)", 22},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			got, err := sandbox.Evaluate(context.Background(), tt.formula, vars, windows)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	// 样本标准差
	got, err := sandbox.Evaluate(context.Background(), "stddev(temp)", vars, windows)
	require.NoError(t, err)
	assert.InDelta(t, 1.5811, got, 1e-3)
}

func TestSandboxGetValue(t *testing.T) {
	sandbox := NewSandbox(0)
	vars := map[string]interface{}{"production": 850.0}

	// 裸标识符与字符串参数等价
	for _, formula := range []string{"getValue(production)", `getValue("production")`} {
		got, err := sandbox.Evaluate(context.Background(), formula, vars, nil)
		require.NoError(t, err)
		assert.Equal(t, 850.0, got)
	}

	_, err := sandbox.Evaluate(context.Background(), "getValue(missing)", vars, nil)
	require.Error(t, err)
}

func TestSandboxErrors(t *testing.T) {
	sandbox := NewSandbox(0)
	vars := map[string]interface{}{"a": 1.0}

	tests := []struct {
		name    string
		formula string
		substr  string
	}{
		{"division by zero", "a / 0", "除零"},
		{"modulo by zero", "a % 0", "除零"},
		{"undefined variable", "a + unknown", "未定义的变量"},
		{"undefined function", "frobnicate(a)", "未定义的函数"},
		{"syntax error", "a +", "公式语法错误"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sandbox.Evaluate(context.Background(), tt.formula, vars, nil)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.substr), "错误信息应包含 %q: %v", tt.substr, err)
		})
	}
}

func TestSandboxStepBudget(t *testing.T) {
	sandbox := NewSandbox(10)
	vars := map[string]interface{}{"a": 1.0}

	_, err := sandbox.Evaluate(context.Background(), "a+a+a+a+a+a+a+a+a+a+a+a", vars, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeEvaluationTimeout, CodeOf(err))
}

func TestSandboxContextCancellation(t *testing.T) {
	sandbox := NewSandbox(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 取消检查每256步触发一次，构造足够深的表达式
	formula := "1" + strings.Repeat("+1", 400)
	_, err := sandbox.Evaluate(ctx, formula, nil, nil)
	require.Error(t, err)
}

func TestSandboxShortCircuit(t *testing.T) {
	sandbox := NewSandbox(0)
	vars := map[string]interface{}{"a": 0.0}

	// 右侧除零不会被求值
	got, err := sandbox.Evaluate(context.Background(), "a != 0 && 1/a > 0", vars, nil)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = sandbox.Evaluate(context.Background(), "a == 0 || 1/a > 0", vars, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestSandboxValidate(t *testing.T) {
	sandbox := NewSandbox(0)
	assert.NoError(t, sandbox.Validate("a / b * 100"))
	assert.NoError(t, sandbox.Validate(`iif(a > 90 && quality == "good", avg(a), -b)`))

	tests := []struct {
		name    string
		formula string
	}{
		{"语法错误", "a +"},
		// 能通过语法解析但越出沙箱子集的节点在编辑期拒绝
		{"指针解引用", "a / * 100"},
		{"索引表达式", "a[0]"},
		{"选择器", "a.b"},
		{"函数字面量", "func() {}"},
		{"位运算符", "a << 2"},
		{"未定义函数", "launch(a)"},
		{"非法字面量", "'x' + a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sandbox.Validate(tt.formula)
			require.Error(t, err)
			assert.Equal(t, ErrCodeConfiguration, CodeOf(err))
		})
	}
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalExpressionArithmetic(t *testing.T) {
	vars := map[string]interface{}{"x": int64(10), "y": 3.0, "n": int64(-7)}
	tests := []struct {
		expr string
		want interface{}
	}{
		{"1 + 2", int64(3)},
		{"2 * 3 + 4", int64(10)},
		{"2 + 3 * 4", int64(14)},
		{"(2 + 3) * 4", int64(20)},
		{"7 / 2", 3.5},
		{"8 / 2", 4.0},
		{"7 // 2", int64(3)},
		{"-7 // 2", int64(-4)},
		{"7 % 3", int64(1)},
		{"-7 % 3", int64(2)},
		{"2 ** 10", int64(1024)},
		{"2 ** 3 ** 2", int64(512)},
		{"-x", int64(-10)},
		{"x + y", 13.0},
		{"n + 7", int64(0)},
		{"'foo' + 'bar'", "foobar"},
		{"1.5 + 1.5", 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpression(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalExpressionComparison(t *testing.T) {
	vars := map[string]interface{}{"x": int64(10), "s": "abc"}
	tests := []struct {
		expr string
		want bool
	}{
		{"x > 5", true},
		{"x >= 10", true},
		{"x < 10", false},
		{"x <= 9", false},
		{"x == 10", true},
		{"x != 10", false},
		{"x == 10.0", true},
		{"s == 'abc'", true},
		{"s < 'abd'", true},
		{"s != 'abc'", false},
		{"null == null", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpression(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalExpressionBoolean(t *testing.T) {
	vars := map[string]interface{}{"x": int64(10), "empty": ""}
	tests := []struct {
		expr string
		want interface{}
	}{
		{"true and false", false},
		{"true or false", true},
		{"not true", false},
		{"not empty", true},
		{"x > 5 and x < 20", true},
		{"x > 5 or x < 0", true},
		{"'a' and 'b'", "b"},
		{"'' or 'fallback'", "fallback"},
		{"not not x", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpression(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalExpressionShortCircuitStillParses(t *testing.T) {
	// The unevaluated side must still be grammatical.
	_, err := evalExpression("true or (", nil)
	require.Error(t, err)
	assert.True(t, isParseError(err))
}

func TestEvalExpressionErrors(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		parse bool
	}{
		{"unterminated string", "'oops", true},
		{"trailing token", "1 + 2 )", true},
		{"missing paren", "(1 + 2", true},
		{"bad character", "1 @ 2", true},
		{"misplaced keyword", "and 1", true},
		{"undefined variable", "missing + 1", false},
		{"division by zero", "1 / 0", false},
		{"modulo by zero", "1 % 0", false},
		{"order strings and numbers", "'a' < 1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evalExpression(tt.expr, nil)
			require.Error(t, err)
			assert.Equal(t, tt.parse, isParseError(err))
		})
	}
}

func TestEvalExpressionLiterals(t *testing.T) {
	tests := []struct {
		expr string
		want interface{}
	}{
		{"42", int64(42)},
		{"3.14", 3.14},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"True", true},
		{"False", false},
		{"None", nil},
		{"null", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpression(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, truthy(nil))
	assert.False(t, truthy(false))
	assert.False(t, truthy(0))
	assert.False(t, truthy(int64(0)))
	assert.False(t, truthy(0.0))
	assert.False(t, truthy(""))
	assert.False(t, truthy([]interface{}{}))
	assert.False(t, truthy(map[string]interface{}{}))

	assert.True(t, truthy(true))
	assert.True(t, truthy(int64(-1)))
	assert.True(t, truthy("no"))
	assert.True(t, truthy([]interface{}{1}))
	assert.True(t, truthy(map[string]interface{}{"k": nil}))
	assert.True(t, truthy(struct{}{}))
}

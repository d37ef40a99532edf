package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveBraceSyntax(t *testing.T) {
	r := NewResolver(nil)
	vars := map[string]interface{}{
		"name":  "world",
		"count": int64(3),
		"items": []interface{}{1, 2},
	}

	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{"plain string untouched", "hello", "hello"},
		{"interpolation", "hello {{name}}", "hello world"},
		{"whole-string keeps native type", "{{items}}", []interface{}{1, 2}},
		{"whole-string number", "{{count}}", int64(3)},
		{"expression", "{{count + 1}}", int64(4)},
		{"expression in text", "got {{count * 2}} items", "got 6 items"},
		{"undefined variable resolves nil", "{{missing}}", nil},
		{"undefined in text becomes empty", "x={{missing}}!", "x=!"},
		{"not an expression keeps literal", "{{name count extra}}", "{{name count extra}}"},
		{"bad character keeps literal", "{{a @ b}}", "{{a @ b}}"},
		{"non-string passthrough", int64(7), int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.value, vars))
		})
	}
}

func TestResolveDollarAndPercentSyntax(t *testing.T) {
	r := NewResolver(nil)
	vars := map[string]interface{}{"env": "prod", "port": int64(8080)}

	assert.Equal(t, "deploy to prod", r.Resolve("deploy to ${env}", vars))
	assert.Equal(t, "listen on 8080", r.Resolve("listen on %port%", vars))
	assert.Equal(t, "${missing} stays", r.Resolve("${missing} stays", vars))
	assert.Equal(t, "%missing% stays", r.Resolve("%missing% stays", vars))
	// Dollar and percent references always splice as text.
	assert.Equal(t, "prod/8080", r.Resolve("${env}/%port%", vars))
}

func TestResolveCollections(t *testing.T) {
	r := NewResolver(nil)
	vars := map[string]interface{}{"x": int64(5)}

	in := map[string]interface{}{
		"list":   []interface{}{"{{x}}", "literal"},
		"nested": map[string]interface{}{"deep": "{{x + 1}}"},
	}
	got := r.Resolve(in, vars)
	assert.Equal(t, map[string]interface{}{
		"list":   []interface{}{int64(5), "literal"},
		"nested": map[string]interface{}{"deep": int64(6)},
	}, got)
}

func TestResolveIsPure(t *testing.T) {
	r := NewResolver(nil)
	vars := map[string]interface{}{"x": int64(1)}

	first := r.Resolve("{{x + 1}}", vars)
	second := r.Resolve("{{x + 1}}", vars)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]interface{}{"x": int64(1)}, vars)
}

func TestEvaluateCondition(t *testing.T) {
	r := NewResolver(nil)
	vars := map[string]interface{}{"v": int64(15)}

	assert.Equal(t, true, r.Evaluate("v > 10", vars))
	assert.Equal(t, false, r.Evaluate("{{v > 100}}", vars))
	// Failures degrade to nil, never to an error.
	assert.Nil(t, r.Evaluate("v +", vars))
	assert.Nil(t, r.Evaluate("missing > 1", vars))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, "3", stringify(3.0))
	assert.Equal(t, "3.5", stringify(3.5))
	assert.Equal(t, "true", stringify(true))
}

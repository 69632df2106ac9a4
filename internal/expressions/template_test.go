package expressions

import (
	"context"
	"testing"

	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, tmpl string, scope Scope) string {
	t.Helper()
	out, err := NewResolver(NewGoJQEngine()).Render(context.Background(), tmpl, scope)
	require.NoError(t, err)
	return out
}

func TestRender_HelloWorld(t *testing.T) {
	out := render(t, "Hello {{ name }}", Scope{Parameters: map[string]any{"name": "World"}})
	assert.Equal(t, "Hello World", out)
	assert.NotContains(t, out, "{{")
}

func TestRender_WhitespaceTolerant(t *testing.T) {
	scope := Scope{Parameters: map[string]any{"x": "1"}}
	assert.Equal(t, "1-1-1", render(t, "{{x}}-{{ x }}-{{   x\t}}", scope))
}

func TestRender_NoPartialKeyCollision(t *testing.T) {
	scope := Scope{Parameters: map[string]any{"a": "A", "ab": "AB"}}
	assert.Equal(t, "A AB", render(t, "{{ a }} {{ ab }}", scope))
}

func TestRender_UnresolvedLeftVerbatim(t *testing.T) {
	out := render(t, "keep {{ missing }} and {{ not a key }}", Scope{})
	assert.Equal(t, "keep {{ missing }} and {{ not a key }}", out)
}

func TestRender_NoRescanOfSubstitutedValues(t *testing.T) {
	scope := Scope{Parameters: map[string]any{"a": "{{ b }}", "b": "B"}}
	assert.Equal(t, "{{ b }}", render(t, "{{ a }}", scope))
}

func TestRender_ResolutionOrder(t *testing.T) {
	scope := Scope{
		Parameters:    map[string]any{"topic": "param-topic", "x": "param-x", "src": "param-src"},
		StepResults:   map[string]string{"x": "step-x", "analysis": "step-analysis", "src": "step-src"},
		InputMappings: map[string]string{"topic": "src"},
	}

	t.Run("mapping wins and prefers step results", func(t *testing.T) {
		assert.Equal(t, "step-src", render(t, "{{ topic }}", scope))
	})
	t.Run("parameters before step results", func(t *testing.T) {
		assert.Equal(t, "param-x", render(t, "{{ x }}", scope))
	})
	t.Run("step results last", func(t *testing.T) {
		assert.Equal(t, "step-analysis", render(t, "{{ analysis }}", scope))
	})
}

func TestRender_MappingFallsBackToParameters(t *testing.T) {
	scope := Scope{
		Parameters:    map[string]any{"subject": "go"},
		InputMappings: map[string]string{"topic": "subject"},
	}
	assert.Equal(t, "go", render(t, "{{ topic }}", scope))
}

func TestRender_UnresolvedMappingFallsThrough(t *testing.T) {
	scope := Scope{
		Parameters:    map[string]any{"topic": "direct"},
		InputMappings: map[string]string{"topic": "nowhere"},
	}
	assert.Equal(t, "direct", render(t, "{{ topic }}", scope))
}

func TestRender_JQMapping(t *testing.T) {
	scope := Scope{
		Parameters:    map[string]any{"user": map[string]any{"name": "ada"}},
		StepResults:   map[string]string{"report": `{"score": 9}`},
		InputMappings: map[string]string{"who": ".params.user.name", "score": ".steps.report | fromjson | .score"},
	}
	assert.Equal(t, "ada scored 9", render(t, "{{ who }} scored {{ score }}", scope))
}

func TestRender_JQMappingError(t *testing.T) {
	scope := Scope{
		StepResults:   map[string]string{"report": "not json"},
		InputMappings: map[string]string{"score": ".steps.report | fromjson"},
	}
	out, err := NewResolver(NewGoJQEngine()).Render(context.Background(), "s={{ score }}", scope)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
	assert.Equal(t, "s={{ score }}", out)
}

func TestRender_Stringification(t *testing.T) {
	scope := Scope{Parameters: map[string]any{
		"n":    nil,
		"num":  float64(3),
		"flag": true,
		"list": []any{"a", float64(1)},
		"obj":  map[string]any{"k": "v"},
	}}
	assert.Equal(t, `[] 3 true ["a",1] {"k":"v"}`,
		render(t, "[{{ n }}] {{ num }} {{ flag }} {{ list }} {{ obj }}", scope))
}

func TestPlaceholders(t *testing.T) {
	keys := Placeholders("{{ a }} {{b}} {{ a }} {{ not valid }} {{ c.d }}")
	assert.Equal(t, []string{"a", "b", "c.d"}, keys)
}

func TestTokenize_UnclosedBraces(t *testing.T) {
	segs := tokenize("text {{ open")
	require.Len(t, segs, 1)
	assert.Equal(t, "text {{ open", segs[0].text)
}

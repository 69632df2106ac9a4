package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq input mappings, i.e. mapping sources that start with
// ".", over {"params": ..., "steps": ...}. Step results are strings, so
// structured output is usually reached with `.steps.report | fromjson`.
type GoJQEngine struct {
	progs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{progs: newProgramCache("jq", compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.progs.get(expression)
	return err
}

// Evaluate collects the query's outputs: none gives nil, one is returned as
// is, several come back as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}

	var outputs []any
	iter := code.RunWithContext(ctx, normalizeForJQ(data))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, err
	}
	// Definitions must not read the host environment through $ENV.
	return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
}

// normalizeForJQ converts parameter values to the JSON-shaped types gojq
// accepts. YAML and Go callers hand in typed maps, slices and integer kinds.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = v
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return int(val)
	case uint64:
		return float64(val)
	case uint32:
		return int(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)

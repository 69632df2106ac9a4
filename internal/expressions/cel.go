package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates plain step conditions such as
// `steps["score"] == "high" && params.strict`.
type CELEngine struct {
	env   *cel.Env
	progs *programCache[cel.Program]
}

// NewCELEngine declares `steps` and `params`, both map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	scope := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("steps", scope),
		cel.Variable("params", scope),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.progs = newProgramCache("cel", e.program)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	_, err := e.progs.get(expression)
	return err
}

// Evaluate runs expression with absent scopes bound to empty maps so that
// `size(steps)` works before the first step has produced anything.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}
	vars := map[string]any{"steps": map[string]any{}, "params": map[string]any{}}
	for name := range vars {
		if v := data[name]; v != nil {
			vars[name] = v
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, err
	}
	// Interrupt checks let ContextEval honour run cancellation inside
	// comprehensions.
	return e.env.Program(ast, cel.InterruptCheckFrequency(100))
}

var _ Engine = (*CELEngine)(nil)

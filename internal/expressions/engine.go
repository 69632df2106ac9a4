package expressions

import "context"

// Engine evaluates expressions over a run scope.
// Three implementations: CEL (conditions), Expr (expr: conditions), GoJQ (input mappings).
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles one instance of each engine. Safe for concurrent use.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines creates all expression engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// scopeData builds the evaluation data shared by all engines.
func scopeData(params map[string]any, steps map[string]string) map[string]any {
	stepsAny := make(map[string]any, len(steps))
	for k, v := range steps {
		stepsAny[k] = v
	}
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"params": params,
		"steps":  stepsAny,
	}
}

package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates `expr:` conditions. Step results are also exposed as
// top-level names, so `expr: verdict == "approve"` reads steps["verdict"].
// Unknown names evaluate to nil rather than failing.
type ExprEngine struct {
	progs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{progs: newProgramCache("expr", compileExpr)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(expression string) error {
	_, err := e.progs.get(expression)
	return err
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// compileExpr type-checks against an empty scope so definitions can be
// validated before any step has run.
func compileExpr(expression string) (*vm.Program, error) {
	return expr.Compile(expression,
		expr.Env(map[string]any{
			"steps":  map[string]any{},
			"params": map[string]any{},
		}),
		expr.AllowUndefinedVariables(),
	)
}

var _ Engine = (*ExprEngine)(nil)

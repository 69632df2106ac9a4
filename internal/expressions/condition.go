package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/weave/pkg/schema"
)

// ConditionKind identifies the grammar form of a step condition.
type ConditionKind int

const (
	ConditionAlways ConditionKind = iota // empty condition
	ConditionTruthy                      // {{ key }}
	ConditionFalsy                       // !{{ key }}
	ConditionExpr                        // expr: <expression>
	ConditionCEL                         // anything else
)

const exprPrefix = "expr:"

var (
	bareRef     = regexp.MustCompile(`^(!?)\s*\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}$`)
	embeddedRef = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)
)

// Condition is a parsed step condition.
type Condition struct {
	Raw  string
	Kind ConditionKind
	Key  string // set for Truthy and Falsy
	Body string // expression source for Expr and CEL
}

// ParseCondition classifies a condition string. It does not compile expressions.
func ParseCondition(raw string) Condition {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Condition{Raw: raw, Kind: ConditionAlways}
	}
	if m := bareRef.FindStringSubmatch(trimmed); m != nil {
		kind := ConditionTruthy
		if m[1] == "!" {
			kind = ConditionFalsy
		}
		return Condition{Raw: raw, Kind: kind, Key: m[2]}
	}
	if strings.HasPrefix(trimmed, exprPrefix) {
		return Condition{Raw: raw, Kind: ConditionExpr, Body: strings.TrimSpace(trimmed[len(exprPrefix):])}
	}
	body := embeddedRef.ReplaceAllStringFunc(trimmed, func(ref string) string {
		key := embeddedRef.FindStringSubmatch(ref)[1]
		return "steps[" + strconv.Quote(key) + "]"
	})
	return Condition{Raw: raw, Kind: ConditionCEL, Body: body}
}

// ConditionEvaluator compiles and evaluates step conditions.
type ConditionEvaluator struct {
	engines *Engines
}

// NewConditionEvaluator creates an evaluator backed by engines.
func NewConditionEvaluator(engines *Engines) *ConditionEvaluator {
	return &ConditionEvaluator{engines: engines}
}

// Compile reports syntax errors in a condition as a VALIDATION_ERROR.
func (c *ConditionEvaluator) Compile(raw string) error {
	cond := ParseCondition(raw)
	switch cond.Kind {
	case ConditionExpr:
		return c.engines.Expr.Compile(cond.Body)
	case ConditionCEL:
		return c.engines.CEL.Compile(cond.Body)
	default:
		return nil
	}
}

// Evaluate decides whether a step should run. An error means the condition
// could not be evaluated; callers treat that as false.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, raw string, params map[string]any, steps map[string]string) (bool, error) {
	cond := ParseCondition(raw)
	switch cond.Kind {
	case ConditionAlways:
		return true, nil
	case ConditionTruthy:
		v, ok := steps[cond.Key]
		return ok && Truthy(v), nil
	case ConditionFalsy:
		v, ok := steps[cond.Key]
		return !(ok && Truthy(v)), nil
	case ConditionExpr:
		data := scopeData(params, steps)
		for k, v := range steps {
			if _, reserved := data[k]; !reserved {
				data[k] = v
			}
		}
		out, err := c.engines.Expr.Evaluate(ctx, cond.Body, data)
		if err != nil {
			return false, err
		}
		return asBool(cond, out)
	default:
		out, err := c.engines.CEL.Evaluate(ctx, cond.Body, scopeData(params, steps))
		if err != nil {
			return false, err
		}
		return asBool(cond, out)
	}
}

func asBool(cond Condition, out any) (bool, error) {
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q must evaluate to bool, got %T", cond.Raw, out)
	}
	return b, nil
}

// Truthy reports whether a step result counts as true: non-empty after
// trimming and not one of false, 0, no, off (case-insensitive).
func Truthy(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "", "false", "0", "no", "off":
		return false
	default:
		return true
	}
}

func (k ConditionKind) String() string {
	switch k {
	case ConditionAlways:
		return "always"
	case ConditionTruthy:
		return "truthy"
	case ConditionFalsy:
		return "falsy"
	case ConditionExpr:
		return "expr"
	case ConditionCEL:
		return "cel"
	default:
		return fmt.Sprintf("ConditionKind(%d)", int(k))
	}
}

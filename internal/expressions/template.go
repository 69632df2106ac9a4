package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/weave/pkg/schema"
)

// Scope holds the values a prompt template may reference.
type Scope struct {
	Parameters    map[string]any
	StepResults   map[string]string
	InputMappings map[string]string // local name -> parameter, output key, or jq query
}

var placeholderKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

// segment is either literal text or a {{ key }} placeholder.
type segment struct {
	text string // literal text, or the raw placeholder when key != ""
	key  string
}

// tokenize splits a template into literal and placeholder segments. Anything
// between braces that is not a valid key stays literal.
func tokenize(tmpl string) []segment {
	var segs []segment
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		closeIdx := strings.Index(rest[open+2:], "}}")
		if closeIdx < 0 {
			break
		}
		end := open + 2 + closeIdx + 2
		raw := rest[open:end]
		key := strings.TrimSpace(rest[open+2 : open+2+closeIdx])
		if !placeholderKey.MatchString(key) {
			segs = append(segs, segment{text: rest[:open+2]})
			rest = rest[open+2:]
			continue
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
		}
		segs = append(segs, segment{text: raw, key: key})
		rest = rest[end:]
	}
	if rest != "" {
		segs = append(segs, segment{text: rest})
	}
	return segs
}

// Placeholders returns the distinct keys referenced by tmpl, in order.
func Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var keys []string
	for _, seg := range tokenize(tmpl) {
		if seg.key != "" && !seen[seg.key] {
			seen[seg.key] = true
			keys = append(keys, seg.key)
		}
	}
	return keys
}

// Resolver renders prompt templates.
type Resolver struct {
	jq *GoJQEngine
}

// NewResolver creates a Resolver. jq may be nil, in which case jq mapping
// sources never resolve.
func NewResolver(jq *GoJQEngine) *Resolver {
	return &Resolver{jq: jq}
}

// Render substitutes every {{ key }} placeholder in tmpl. Lookup order is
// input mappings (against step results, then parameters), parameters, then
// step results. Unresolved placeholders are emitted verbatim and substituted
// values are never re-scanned. The returned error reports failed jq mappings;
// the rendered string is still valid in that case.
func (r *Resolver) Render(ctx context.Context, tmpl string, scope Scope) (string, error) {
	var (
		b    strings.Builder
		errs []string
	)
	for _, seg := range tokenize(tmpl) {
		if seg.key == "" {
			b.WriteString(seg.text)
			continue
		}
		v, ok, err := r.lookup(ctx, seg.key, scope)
		if err != nil {
			errs = append(errs, err.Error())
		}
		if !ok {
			b.WriteString(seg.text)
			continue
		}
		b.WriteString(Stringify(v))
	}
	if len(errs) > 0 {
		return b.String(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"input mapping failed: %s", strings.Join(errs, "; "))
	}
	return b.String(), nil
}

func (r *Resolver) lookup(ctx context.Context, key string, scope Scope) (any, bool, error) {
	if source, ok := scope.InputMappings[key]; ok {
		v, found, err := r.resolveSource(ctx, source, scope)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", key, err)
		}
		if found {
			return v, true, nil
		}
	}
	if v, ok := scope.Parameters[key]; ok {
		return v, true, nil
	}
	if v, ok := scope.StepResults[key]; ok {
		return v, true, nil
	}
	return nil, false, nil
}

func (r *Resolver) resolveSource(ctx context.Context, source string, scope Scope) (any, bool, error) {
	source = strings.TrimSpace(source)
	if IsJQSource(source) {
		if r.jq == nil {
			return nil, false, nil
		}
		v, err := r.jq.Evaluate(ctx, source, scopeData(scope.Parameters, scope.StepResults))
		if err != nil {
			return nil, false, err
		}
		return v, v != nil, nil
	}
	if v, ok := scope.StepResults[source]; ok {
		return v, true, nil
	}
	if v, ok := scope.Parameters[source]; ok {
		return v, true, nil
	}
	return nil, false, nil
}

// IsJQSource reports whether an input mapping source is a jq query.
func IsJQSource(source string) bool {
	return strings.HasPrefix(strings.TrimSpace(source), ".")
}

// Stringify renders a bound value as prompt text: strings verbatim, nil as
// empty, maps and slices as JSON, anything else via fmt.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}

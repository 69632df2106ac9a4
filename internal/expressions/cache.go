package expressions

import (
	"strings"
	"sync"

	"github.com/rendis/weave/pkg/schema"
)

// programCache memoises compiled expressions per engine. Compilation happens
// outside the lock; when two goroutines race on the same expression the first
// stored program wins.
type programCache[P any] struct {
	engine  string
	compile func(expression string) (P, error)

	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any](engine string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{engine: engine, compile: compile, progs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string) (P, error) {
	var zero P
	if strings.TrimSpace(expression) == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.engine)
	}

	c.mu.RLock()
	prg, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := c.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s expression %q: %v", c.engine, expression, err).
			WithCause(err).
			WithDetails(map[string]any{"engine": c.engine, "expression": expression})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.progs[expression]; ok {
		return existing, nil
	}
	c.progs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// evalError wraps a runtime failure. Callers evaluating conditions treat it as
// false.
func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

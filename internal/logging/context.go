package logging

import (
	"context"
	"log/slog"
)

type correlationKey struct{}

// Correlation is the set of IDs that tie a log record to a run.
type Correlation struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	AgentID     string
}

// FromContext returns the correlation carried by ctx; the zero value if none.
func FromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func with(ctx context.Context, update func(*Correlation)) context.Context {
	c := FromContext(ctx)
	update(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithRun scopes ctx to one execution of a workflow. Step IDs from an outer
// scope are cleared.
func WithRun(ctx context.Context, executionID, workflowID string) context.Context {
	return with(ctx, func(c *Correlation) {
		*c = Correlation{ExecutionID: executionID, WorkflowID: workflowID}
	})
}

// WithStep scopes ctx to one step invocation.
func WithStep(ctx context.Context, stepID, agentID string) context.Context {
	return with(ctx, func(c *Correlation) {
		c.StepID, c.AgentID = stepID, agentID
	})
}

// WithStepID scopes ctx to a step before its agent is known.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return with(ctx, func(c *Correlation) {
		c.StepID, c.AgentID = stepID, ""
	})
}

// Attrs renders the non-empty IDs as slog attributes.
func (c Correlation) Attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 4)
	add := func(key, v string) {
		if v != "" {
			out = append(out, slog.String(key, v))
		}
	}
	add("execution_id", c.ExecutionID)
	add("workflow_id", c.WorkflowID)
	add("step_id", c.StepID)
	add("agent_id", c.AgentID)
	return out
}

// LogWith binds the correlation from ctx onto logger, for code that logs
// without a context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := FromContext(ctx).Attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the context's correlation IDs to every record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := FromContext(ctx).Attrs(); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.inner.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.inner.WithGroup(name))
}

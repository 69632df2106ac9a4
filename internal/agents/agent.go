package agents

import (
	"context"
	"fmt"
)

// Agent is an external capability that performs the work of a workflow step.
// Implementations may block on network or subprocess I/O and must honour ctx.
type Agent interface {
	ID() string
	Execute(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// Lookup resolves agents by ID. Satisfied by *Registry.
type Lookup interface {
	Get(id string) (Agent, bool)
	Has(id string) bool
	IDs() []string
}

// Options carries per-call context from the scheduler to the agent.
type Options struct {
	ExecutionID  string
	StepID       string
	WorkspaceDir string
}

// Result is the structured response of a successful agent call.
type Result struct {
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ExecutionError reports a failed agent call. The step scheduler retries
// steps that fail with this error.
type ExecutionError struct {
	AgentID string
	Message string
	Details map[string]any
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.AgentID == "" {
		return e.Message
	}
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an ExecutionError with a formatted message.
func NewExecutionError(agentID, format string, args ...any) *ExecutionError {
	return &ExecutionError{AgentID: agentID, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *ExecutionError) WithCause(err error) *ExecutionError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ExecutionError) WithDetails(details map[string]any) *ExecutionError {
	e.Details = details
	return e
}

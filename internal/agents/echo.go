package agents

import (
	"context"
	"strings"
)

// EchoAgent returns the rendered prompt as its content. Used for dry runs and tests.
type EchoAgent struct {
	id     string
	prefix string
}

// NewEchoAgent creates an EchoAgent. prefix is prepended to every response.
func NewEchoAgent(id, prefix string) *EchoAgent {
	return &EchoAgent{id: id, prefix: prefix}
}

func (a *EchoAgent) ID() string { return a.id }

func (a *EchoAgent) Execute(ctx context.Context, prompt string, _ Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Content:      a.prefix + prompt,
		TokensUsed:   len(strings.Fields(prompt)),
		FinishReason: "stop",
	}, nil
}

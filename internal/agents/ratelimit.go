package agents

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Agent with a token-bucket limiter. Calls block until a
// token is available or ctx is done.
type RateLimited struct {
	Agent
	limiter *rate.Limiter
}

// WithRateLimit wraps agent so that at most perMinute calls start per minute.
// perMinute <= 0 returns agent unchanged.
func WithRateLimit(agent Agent, perMinute int) Agent {
	if perMinute <= 0 {
		return agent
	}
	return &RateLimited{
		Agent:   agent,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (r *RateLimited) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewExecutionError(r.ID(), "rate limit: %v", err).WithCause(err)
	}
	return r.Agent.Execute(ctx, prompt, opts)
}

package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/weave/internal/agents"
	"github.com/rendis/weave/pkg/schema"
)

// IsRetryable classifies whether a failed step attempt may be retried.
// Agent failures and per-step deadlines are retryable; run cancellation and
// everything else are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var agentErr *agents.ExecutionError
	if errors.As(err, &agentErr) {
		return true
	}

	var wErr *schema.WeaveError
	if errors.As(err, &wErr) {
		return wErr.Code == schema.ErrCodeAgentExecution || wErr.Code == schema.ErrCodeTimeout
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// ComputeBackoff returns base * 2^attempt, capped at maxDelay when maxDelay > 0.
func ComputeBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			break
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rendis/weave/internal/agents"
	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"agent error", agents.NewExecutionError("a", "boom"), true},
		{"wrapped agent error", fmt.Errorf("call: %w", agents.NewExecutionError("a", "boom")), true},
		{"step timeout", schema.NewError(schema.ErrCodeTimeout, "timed out"), true},
		{"agent execution code", schema.NewError(schema.ErrCodeAgentExecution, "x"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"plain", errors.New("unexpected"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := time.Second
	assert.Equal(t, 1*time.Second, ComputeBackoff(base, 0, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(base, 0, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(base, 0, 2))
	assert.Equal(t, 8*time.Second, ComputeBackoff(base, 0, 3))
}

func TestComputeBackoff_MaxDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, ComputeBackoff(time.Second, 5*time.Second, 3))
	assert.Equal(t, 2*time.Second, ComputeBackoff(time.Second, 5*time.Second, 1))
}

func TestComputeBackoff_Degenerate(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(0, 0, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(time.Second, 0, -1))
	assert.Greater(t, ComputeBackoff(time.Second, 0, 200), time.Duration(0), "must not overflow")
}

func TestWaitForBackoff_Elapses(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForBackoff_ZeroReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPool_Unbounded(t *testing.T) {
	p := newRunPool(0)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
			release, err := acquire(context.Background())
			require.NoError(t, err)
			defer release()
			ran.Add(1)
		}))
	}
	require.NoError(t, p.wait(context.Background()))
	assert.Equal(t, int32(10), ran.Load())

	m := p.snapshot()
	assert.Equal(t, int64(10), m.Completed)
	assert.Zero(t, m.Active)
	assert.Zero(t, m.Queued)
}

func TestRunPool_BoundedLimitsActive(t *testing.T) {
	p := newRunPool(2)
	gate := make(chan struct{})
	var peak, current atomic.Int32

	for i := 0; i < 6; i++ {
		require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
			release, err := acquire(context.Background())
			require.NoError(t, err)
			defer release()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-gate
			current.Add(-1)
		}))
	}

	require.Eventually(t, func() bool { return p.snapshot().Active == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(4), p.snapshot().Queued)
	close(gate)
	require.NoError(t, p.wait(context.Background()))
	assert.Equal(t, int32(2), peak.Load())
}

func TestRunPool_ReleaseIsIdempotent(t *testing.T) {
	p := newRunPool(1)
	done := make(chan struct{})
	require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
		defer close(done)
		release, err := acquire(context.Background())
		require.NoError(t, err)
		release()
		release()
	}))
	<-done
	assert.Equal(t, int64(1), p.snapshot().Completed)
	assert.Zero(t, p.snapshot().Active)
}

func TestRunPool_AcquireHonoursContext(t *testing.T) {
	p := newRunPool(1)
	hold := make(chan struct{})
	require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
		release, _ := acquire(context.Background())
		<-hold
		release()
	}))
	require.Eventually(t, func() bool { return p.snapshot().Active == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
		_, err := acquire(ctx)
		errCh <- err
	}))
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(hold)
	require.NoError(t, p.wait(context.Background()))
}

func TestRunPool_CloseRejectsAndUnblocks(t *testing.T) {
	p := newRunPool(1)
	hold := make(chan struct{})
	require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
		release, _ := acquire(context.Background())
		<-hold
		release()
	}))
	require.Eventually(t, func() bool { return p.snapshot().Active == 1 }, time.Second, time.Millisecond)

	errCh := make(chan error, 1)
	require.NoError(t, p.Go(func(acquire func(context.Context) (func(), error)) {
		_, err := acquire(context.Background())
		errCh <- err
	}))

	p.close()
	p.close()
	assert.ErrorIs(t, <-errCh, ErrPoolShutdown)
	assert.ErrorIs(t, p.Go(func(func(context.Context) (func(), error)) {}), ErrPoolShutdown)

	close(hold)
	require.NoError(t, p.wait(context.Background()))
}

func TestRunPool_WaitTimesOut(t *testing.T) {
	p := newRunPool(0)
	hold := make(chan struct{})
	defer close(hold)
	require.NoError(t, p.Go(func(func(context.Context) (func(), error)) { <-hold }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.wait(ctx), context.DeadlineExceeded)
}

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks run pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a run is submitted after shutdown.
var ErrPoolShutdown = errors.New("execution registry is shut down")

// runPool owns the goroutines driving runs. With size > 0, at most size runs
// hold a slot at once; the rest wait in PENDING.
type runPool struct {
	sem     chan struct{} // nil when unbounded
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

func newRunPool(size int) *runPool {
	p := &runPool{done: make(chan struct{})}
	if size > 0 {
		p.sem = make(chan struct{}, size)
	}
	return p
}

// Go starts fn on a new goroutine without blocking the caller. fn receives
// acquire, which waits for a slot (honouring ctx and shutdown) and returns a
// release func.
func (p *runPool) Go(fn func(acquire func(ctx context.Context) (func(), error))) error {
	// wg.Add must happen under the lock so shutdown cannot race past it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		fn(p.acquire)
	}()
	return nil
}

func (p *runPool) acquire(ctx context.Context) (func(), error) {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			atomic.AddInt64(&p.metrics.Queued, -1)
			return nil, ctx.Err()
		case <-p.done:
			atomic.AddInt64(&p.metrics.Queued, -1)
			return nil, ErrPoolShutdown
		}
	}
	atomic.AddInt64(&p.metrics.Queued, -1)
	atomic.AddInt64(&p.metrics.Active, 1)

	var once sync.Once
	return func() {
		once.Do(func() {
			atomic.AddInt64(&p.metrics.Active, -1)
			atomic.AddInt64(&p.metrics.Completed, 1)
			if p.sem != nil {
				<-p.sem
			}
		})
	}, nil
}

func (p *runPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *runPool) recordPanic() {
	atomic.AddInt64(&p.metrics.Panics, 1)
}

// close stops accepting work and unblocks queued runs.
func (p *runPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// wait blocks until every started goroutine returned or ctx is done.
func (p *runPool) wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *runPool) snapshot() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

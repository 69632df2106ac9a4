package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/streaming"
	"github.com/rendis/weave/internal/validation"
	"github.com/rendis/weave/pkg/schema"
)

// RegistryConfig configures an ExecutionRegistry.
type RegistryConfig struct {
	DefaultWorkspaceDir string        // used when Submit receives an empty workspace
	MaxConcurrentRuns   int           // 0 = unbounded
	Events              streaming.Hub // optional; receives every run's log and status events
}

// run pairs an ExecutionContext with the goroutine driving it.
type run struct {
	ec     *ExecutionContext
	def    *schema.WorkflowDefinition
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written before done is closed
}

// ExecutionRegistry tracks concurrently running workflows. All map access is
// guarded by mu; each ExecutionContext is written only by its own run.
type ExecutionRegistry struct {
	validator validation.Validator
	scheduler *StepScheduler
	metrics   *metrics.Collector
	logger    *slog.Logger
	cfg       RegistryConfig

	baseCtx context.Context
	stop    context.CancelFunc
	pool    *runPool

	mu   sync.Mutex
	runs map[string]*run
}

// NewExecutionRegistry creates a registry. m and logger may be nil.
func NewExecutionRegistry(v validation.Validator, s *StepScheduler, m *metrics.Collector, logger *slog.Logger, cfg RegistryConfig) *ExecutionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &ExecutionRegistry{
		validator: v,
		scheduler: s,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		baseCtx:   baseCtx,
		stop:      stop,
		pool:      newRunPool(cfg.MaxConcurrentRuns),
		runs:      make(map[string]*run),
	}
}

// Submit validates def and starts it in the background, returning the new
// execution ID without waiting. Validation failures return a VALIDATION_ERROR
// and leave no trace in the registry. ctx only carries values; the run
// outlives it.
func (r *ExecutionRegistry) Submit(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any, workspaceDir string) (string, error) {
	// Checked before validation, which creates the workspace.
	if r.pool.isClosed() {
		return "", schema.NewError(schema.ErrCodeConflict, ErrPoolShutdown.Error()).WithCause(ErrPoolShutdown)
	}
	if workspaceDir == "" {
		workspaceDir = r.cfg.DefaultWorkspaceDir
	}
	if params == nil {
		params = map[string]any{}
	}

	result := r.validator.Validate(def, params, workspaceDir)
	if err := result.ToError(); err != nil {
		r.logger.WarnContext(ctx, "workflow rejected", slog.String("error", err.Error()))
		return "", err
	}

	id := uuid.NewString()
	ec := NewExecutionContext(id, def, params, workspaceDir)
	if hub := r.cfg.Events; hub != nil {
		ec.observe(func(e streaming.Event) { _ = hub.Publish(context.Background(), e) })
	}
	for _, w := range result.Warnings {
		ec.AddWarning("", w.String())
	}

	runCtx, cancel := context.WithCancel(logging.WithRun(context.WithoutCancel(ctx), id, def.ID))
	stopAfter := context.AfterFunc(r.baseCtx, cancel)
	rn := &run{ec: ec, def: def, cancel: func() { stopAfter(); cancel() }, done: make(chan struct{})}

	r.mu.Lock()
	r.runs[id] = rn
	r.mu.Unlock()

	if err := r.pool.Go(func(acquire func(context.Context) (func(), error)) { r.drive(runCtx, rn, acquire) }); err != nil {
		r.mu.Lock()
		delete(r.runs, id)
		r.mu.Unlock()
		rn.cancel()
		return "", schema.NewError(schema.ErrCodeConflict, err.Error()).WithCause(err)
	}

	r.metrics.RunSubmitted(def.ID)
	r.logger.InfoContext(runCtx, "workflow submitted",
		slog.Int("steps", len(def.Steps)),
		slog.String("workspace_dir", workspaceDir))
	return id, nil
}

// drive runs on the run's own goroutine. Panics become FAILED.
func (r *ExecutionRegistry) drive(ctx context.Context, rn *run, acquire func(context.Context) (func(), error)) {
	started := false
	release := func() {}

	defer func() {
		if rec := recover(); rec != nil {
			r.pool.recordPanic()
			msg := fmt.Sprintf("unexpected error: %v", rec)
			rn.ec.Finish(schema.ExecutionStatusFailed, schema.LogLevelError, "Workflow failed: "+msg, msg)
			rn.err = schema.NewError(schema.ErrCodeExecution, msg)
			r.logger.ErrorContext(ctx, "workflow panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
		}
		if !rn.ec.Status().IsTerminal() {
			msg := "scheduler exited without a terminal status"
			rn.ec.Finish(schema.ExecutionStatusFailed, schema.LogLevelError, msg, msg)
		}
		snap := rn.ec.Snapshot()
		r.metrics.RunFinished(rn.def.ID, string(snap.Status), snap.Duration(), started)
		release()
		rn.cancel()
		close(rn.done)
	}()

	rel, err := acquire(ctx)
	if err != nil {
		rn.ec.Cancel("Execution cancelled before start")
		rn.err = err
		return
	}
	release = rel

	if err := rn.ec.Transition(schema.ExecutionStatusRunning); err != nil {
		// Cancelled while pending.
		rn.err = context.Canceled
		return
	}
	started = true
	r.metrics.RunStarted()

	rn.err = r.scheduler.Run(ctx, rn.def, rn.ec)
}

func (r *ExecutionRegistry) lookup(id string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[id]
	return rn, ok
}

// Status returns a snapshot of one execution.
func (r *ExecutionRegistry) Status(id string) (Snapshot, bool) {
	rn, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return rn.ec.Snapshot(), true
}

// List returns snapshots of every known execution, oldest first.
func (r *ExecutionRegistry) List() []Snapshot {
	r.mu.Lock()
	runs := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(runs))
	for i, rn := range runs {
		out[i] = rn.ec.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Cancel requests cancellation of a pending or running execution. The
// context becomes CANCELLED immediately; the driving goroutine stops at its
// next suspension point. Returns true only for the call that cancelled it.
func (r *ExecutionRegistry) Cancel(id string) bool {
	rn, ok := r.lookup(id)
	if !ok {
		return false
	}
	if !rn.ec.Cancel("Execution cancelled by user") {
		return false
	}
	rn.cancel()
	r.logger.InfoContext(logging.WithRun(context.Background(), id, rn.def.ID), "workflow cancelled by user")
	return true
}

// ActiveCount returns the number of executions currently RUNNING.
func (r *ExecutionRegistry) ActiveCount() int {
	r.mu.Lock()
	runs := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	n := 0
	for _, rn := range runs {
		if rn.ec.Status() == schema.ExecutionStatusRunning {
			n++
		}
	}
	return n
}

// Done returns a channel closed when the execution's goroutine has finished.
func (r *ExecutionRegistry) Done(id string) (<-chan struct{}, bool) {
	rn, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return rn.done, true
}

// Wait blocks until the execution finishes or ctx is done, then returns its
// snapshot and the run's failure cause (nil when COMPLETED).
func (r *ExecutionRegistry) Wait(ctx context.Context, id string) (Snapshot, error) {
	rn, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	select {
	case <-rn.done:
		return rn.ec.Snapshot(), rn.err
	case <-ctx.Done():
		return rn.ec.Snapshot(), ctx.Err()
	}
}

// Remove forgets a finished execution.
func (r *ExecutionRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, ok := r.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	select {
	case <-rn.done:
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is still %s", id, rn.ec.Status())
	}
	delete(r.runs, id)
	return nil
}

// Subscribe streams live events matching filter. Events published before the
// call are not replayed; use Status for the accumulated log.
func (r *ExecutionRegistry) Subscribe(ctx context.Context, filter streaming.Filter) (<-chan streaming.Event, func(), error) {
	if r.cfg.Events == nil {
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "event streaming is not enabled")
	}
	return r.cfg.Events.Subscribe(ctx, filter)
}

// Pool returns run pool counters.
func (r *ExecutionRegistry) Pool() PoolMetrics {
	return r.pool.snapshot()
}

// Shutdown stops accepting work, cancels every unfinished execution, and
// waits for their goroutines or ctx.
func (r *ExecutionRegistry) Shutdown(ctx context.Context) error {
	r.pool.close()

	r.mu.Lock()
	runs := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	for _, rn := range runs {
		rn.ec.Cancel("Execution cancelled: shutting down")
	}
	r.stop()
	return r.pool.wait(ctx)
}

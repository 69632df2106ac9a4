// Package scheduler submits catalogued workflows on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

const defaultInterval = 30 * time.Second

// Submitter starts workflow runs. Satisfied by the execution registry.
type Submitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any, workspaceDir string) (string, error)
	Done(executionID string) (<-chan struct{}, bool)
}

// Definitions resolves workflow IDs. Satisfied by store.DefinitionStore.
type Definitions interface {
	Get(ctx context.Context, id string) (*store.Record, error)
}

// Job is one cron trigger.
type Job struct {
	ID           string         `json:"id"`
	Workflow     string         `json:"workflow"`
	Cron         string         `json:"cron"`
	Params       map[string]any `json:"params,omitempty"`
	WorkspaceDir string         `json:"workspace_dir,omitempty"`

	NextRunAt       time.Time  `json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"` // submitted | skipped | error
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler checks jobs on a ticker and submits the due ones.
type Scheduler struct {
	defs      Definitions
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*Job
	// inflight holds the Done channel of each job's last run.
	inflight map[string]<-chan struct{}
}

// New creates a Scheduler. logger may be nil.
func New(defs Definitions, submitter Submitter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		defs:      defs,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		interval:  defaultInterval,
		now:       time.Now,
		jobs:      make(map[string]*Job),
		inflight:  make(map[string]<-chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job and computes its first run time.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is required")
	}
	next, err := s.CalculateNextRun(job.Cron, s.now())
	if err != nil {
		return err
	}
	job.NextRunAt = next

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", job.ID)
	}
	s.jobs[job.ID] = &job
	return nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	delete(s.inflight, id)
	return true
}

// Jobs returns copies of every job, ordered by ID.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.jobsMu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()

	sort.Slice(due, func(i, k int) bool { return due[i].ID < due[k].ID })
	for _, j := range due {
		s.runJob(ctx, j, now)
	}
}

// runJob submits one job and advances its next run time. A job whose previous
// run is still going is skipped for this slot.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.jobsMu.Lock()
	cur := *job
	busy := s.busyLocked(job.ID)
	s.jobsMu.Unlock()

	status, execID := "skipped", ""
	if busy {
		s.logger.Warn("scheduled job still running, skipping",
			slog.String("job_id", cur.ID))
	} else {
		var err error
		execID, err = s.submit(ctx, &cur)
		if err != nil {
			status = "error"
			s.logger.Error("scheduled job submission failed",
				slog.String("job_id", cur.ID),
				slog.String("workflow_id", cur.Workflow),
				slog.String("error", err.Error()))
		} else {
			status = "submitted"
			s.logger.Info("scheduled job submitted",
				slog.String("job_id", cur.ID),
				slog.String("workflow_id", cur.Workflow),
				slog.String("execution_id", execID))
		}
	}

	next, err := s.CalculateNextRun(cur.Cron, now)
	if err != nil {
		s.logger.Error("failed to calculate next run", slog.String("job_id", cur.ID), slog.String("error", err.Error()))
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[cur.ID]
	if !ok {
		return
	}
	ran := now
	j.LastRunAt = &ran
	j.LastRunStatus = status
	if execID != "" {
		j.LastExecutionID = execID
		if ch, ok := s.submitter.Done(execID); ok {
			s.inflight[cur.ID] = ch
		}
	}
	if err == nil {
		j.NextRunAt = next
	}
}

func (s *Scheduler) submit(ctx context.Context, job *Job) (string, error) {
	rec, err := s.defs.Get(ctx, job.Workflow)
	if err != nil {
		return "", err
	}
	params := make(map[string]any, len(job.Params))
	for k, v := range job.Params {
		params[k] = v
	}
	return s.submitter.Submit(ctx, rec.Definition, params, job.WorkspaceDir)
}

func (s *Scheduler) busyLocked(jobID string) bool {
	ch, ok := s.inflight[jobID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		delete(s.inflight, jobID)
		return false
	default:
		return true
	}
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

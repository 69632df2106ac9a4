package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/weave/internal/agents"
	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/pkg/schema"
)

const defaultBaseDelay = time.Second

// SchedulerConfig tunes retry backoff.
type SchedulerConfig struct {
	BaseDelay time.Duration // delay before retry k is BaseDelay * 2^k (default 1s)
	MaxDelay  time.Duration // 0 = uncapped
}

// StepScheduler executes a workflow's steps, in declaration order, against an
// ExecutionContext.
type StepScheduler struct {
	agents     agents.Lookup
	resolver   *expressions.Resolver
	conditions *expressions.ConditionEvaluator
	metrics    *metrics.Collector
	logger     *slog.Logger
	cfg        SchedulerConfig
}

// NewStepScheduler creates a StepScheduler. m and logger may be nil.
func NewStepScheduler(lookup agents.Lookup, engines *expressions.Engines, m *metrics.Collector, logger *slog.Logger, cfg SchedulerConfig) *StepScheduler {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepScheduler{
		agents:     lookup,
		resolver:   expressions.NewResolver(engines.JQ),
		conditions: expressions.NewConditionEvaluator(engines),
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run drives ec from RUNNING to a terminal status. The returned error is the
// run's failure cause, or the context error when the run was cancelled.
func (s *StepScheduler) Run(ctx context.Context, def *schema.WorkflowDefinition, ec *ExecutionContext) error {
	ctx = logging.WithRun(ctx, ec.ID(), def.ID)

	if def.EffectiveType() == schema.WorkflowTypeGraph {
		msg := "graph workflow type is not implemented; running steps sequentially"
		ec.AddWarning("", msg)
		s.logger.WarnContext(ctx, msg)
	}

	ec.Log(schema.LogLevelInfo, "", "Starting workflow execution", map[string]any{"steps": len(def.Steps)})
	s.logger.InfoContext(ctx, "workflow started", slog.Int("steps", len(def.Steps)))

	for i := range def.Steps {
		step := &def.Steps[i]

		if err := ctx.Err(); err != nil {
			return s.stopped(ctx, ec, err)
		}
		if ec.Status() != schema.ExecutionStatusRunning {
			return context.Canceled
		}

		run, err := s.shouldRun(ctx, ec, step)
		if err != nil {
			return s.stopped(ctx, ec, err)
		}
		if !run {
			ec.Log(schema.LogLevelInfo, step.ID, "Skipping step: "+step.DisplayName(), map[string]any{"condition": step.Condition})
			s.logger.InfoContext(logging.WithStepID(ctx, step.ID), "step skipped", slog.String("condition", step.Condition))
			s.metrics.StepSkipped(def.ID)
			continue
		}

		if err := s.runStep(ctx, ec, step); err != nil {
			if ctx.Err() != nil {
				return s.stopped(ctx, ec, ctx.Err())
			}
			msg := err.Error()
			var wErr *schema.WeaveError
			if errors.As(err, &wErr) {
				msg = wErr.Message
			}
			ec.Finish(schema.ExecutionStatusFailed, schema.LogLevelError, "Workflow failed: "+msg, msg)
			s.logger.ErrorContext(logging.WithStepID(ctx, step.ID), "workflow failed", slog.String("error", msg))
			return err
		}
	}

	ec.Finish(schema.ExecutionStatusCompleted, schema.LogLevelInfo, "Workflow completed successfully", "")
	s.logger.InfoContext(ctx, "workflow completed")
	return nil
}

// stopped handles cancellation observed at a suspension point.
func (s *StepScheduler) stopped(ctx context.Context, ec *ExecutionContext, err error) error {
	if ec.Cancel("Execution cancelled") {
		s.logger.WarnContext(ctx, "workflow cancelled")
	}
	return err
}

func (s *StepScheduler) shouldRun(ctx context.Context, ec *ExecutionContext, step *schema.WorkflowStep) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}
	ok, err := s.conditions.Evaluate(ctx, step.Condition, ec.Parameters(), ec.Results())
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		msg := fmt.Sprintf("Condition for step %s could not be evaluated, treating as false: %v", step.ID, err)
		ec.AddWarning(step.ID, msg)
		s.logger.WarnContext(logging.WithStepID(ctx, step.ID), "condition evaluation failed", slog.String("error", err.Error()))
		return false, nil
	}
	return ok, nil
}

func (s *StepScheduler) runStep(ctx context.Context, ec *ExecutionContext, step *schema.WorkflowStep) error {
	agent, ok := s.agents.Get(step.AgentID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "step %s: agent %q not found", step.ID, step.AgentID).WithStep(step.ID)
	}

	prompt, err := s.resolver.Render(ctx, step.PromptTemplate, expressions.Scope{
		Parameters:    ec.Parameters(),
		StepResults:   ec.Results(),
		InputMappings: step.InputMappings,
	})
	if err != nil {
		ec.AddWarning(step.ID, err.Error())
		s.logger.WarnContext(logging.WithStepID(ctx, step.ID), "input mapping failed", slog.String("error", err.Error()))
	}

	start := time.Now()
	res, attempts, err := s.executeWithRetry(ctx, ec, step, agent, prompt)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	s.metrics.StepSucceeded(agent.ID(), elapsed, res.TokensUsed)

	ec.SetResult(step.OutputKey, res.Content)
	ec.Log(schema.LogLevelInfo, step.ID, "Step completed: "+step.DisplayName(), map[string]any{
		"execution_time": elapsed.Seconds(),
		"tokens_used":    res.TokensUsed,
		"finish_reason":  res.FinishReason,
		"attempts":       attempts,
		"output_key":     step.OutputKey,
	})
	s.logger.InfoContext(logging.WithStep(ctx, step.ID, agent.ID()), "step completed",
		slog.Duration("duration", elapsed),
		slog.Int("tokens_used", res.TokensUsed),
		slog.Int("attempts", attempts))
	return nil
}

// executeWithRetry invokes the agent up to RetryCount+1 times with
// exponential backoff between attempts.
func (s *StepScheduler) executeWithRetry(ctx context.Context, ec *ExecutionContext, step *schema.WorkflowStep, agent agents.Agent, prompt string) (*agents.Result, int, error) {
	maxAttempts := step.RetryCount + 1
	stepCtx := logging.WithStep(ctx, step.ID, agent.ID())
	opts := agents.Options{
		ExecutionID:  ec.ID(),
		StepID:       step.ID,
		WorkspaceDir: ec.WorkspaceDir(),
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt-1)); err != nil {
				return nil, attempt, err
			}
		}

		ec.Log(schema.LogLevelInfo, step.ID, "Executing step: "+step.DisplayName(), map[string]any{
			"agent_id": agent.ID(),
			"attempt":  attempt + 1,
		})

		res, err := s.invoke(stepCtx, step, agent, prompt, opts)
		if err == nil {
			s.metrics.StepAttempt(agent.ID(), "success")
			return res, attempt + 1, nil
		}
		if ctx.Err() != nil {
			return nil, attempt + 1, ctx.Err()
		}

		lastErr = err
		if !IsRetryable(err) {
			s.metrics.StepAttempt(agent.ID(), "failed")
			return nil, attempt + 1, schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %s failed: %v", step.ID, err).WithStep(step.ID).WithCause(err)
		}

		final := attempt == maxAttempts-1
		fields := map[string]any{"attempt": attempt + 1, "error": err.Error()}
		if final {
			s.metrics.StepAttempt(agent.ID(), "failed")
		} else {
			s.metrics.StepAttempt(agent.ID(), "retry")
			fields["retry_in"] = ComputeBackoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt).String()
		}
		ec.Log(schema.LogLevelWarning, step.ID, fmt.Sprintf("Step attempt %d failed: %v", attempt+1, err), fields)
		s.logger.WarnContext(stepCtx, "step attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()))
	}

	return nil, maxAttempts, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step %s failed after %d attempts: %v", step.ID, maxAttempts, lastErr).
		WithStep(step.ID).WithCause(lastErr)
}

// invoke performs one agent call under the step deadline, if any.
func (s *StepScheduler) invoke(ctx context.Context, step *schema.WorkflowStep, agent agents.Agent, prompt string, opts agents.Options) (*agents.Result, error) {
	callCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	res, err := agent.Execute(callCtx, prompt, opts)
	if err == nil && res == nil {
		err = agents.NewExecutionError(agent.ID(), "agent returned no result")
	}
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s timed out after %ds", step.ID, step.TimeoutSeconds).WithStep(step.ID).WithCause(err)
	}
	return res, err
}

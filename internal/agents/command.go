package agents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 5 * time.Minute
	defaultMaxOutputSize  = 10 * 1024 * 1024 // 10MB

	promptArg = "{{prompt}}"
)

// CommandConfig configures a subprocess-backed agent.
type CommandConfig struct {
	Command       string
	Args          []string // an arg equal to {{prompt}} receives the prompt; otherwise it goes to stdin
	Env           map[string]string
	Dir           string // overrides the run workspace as working directory
	Timeout       time.Duration
	MaxOutputSize int64
}

// CommandAgent runs a local command per call and returns its stdout as content.
type CommandAgent struct {
	id  string
	cfg CommandConfig
}

// NewCommandAgent creates a CommandAgent, filling defaults.
func NewCommandAgent(id string, cfg CommandConfig) *CommandAgent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCommandTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &CommandAgent{id: id, cfg: cfg}
}

func (a *CommandAgent) ID() string { return a.id }

func (a *CommandAgent) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := make([]string, len(a.cfg.Args))
	promptInArgs := false
	for i, arg := range a.cfg.Args {
		if strings.TrimSpace(arg) == promptArg {
			args[i] = prompt
			promptInArgs = true
			continue
		}
		args[i] = arg
	}

	cmd := exec.CommandContext(execCtx, a.cfg.Command, args...)
	switch {
	case a.cfg.Dir != "":
		cmd.Dir = a.cfg.Dir
	case opts.WorkspaceDir != "":
		cmd.Dir = opts.WorkspaceDir
	}

	// Inherit current env plus overrides and run identifiers.
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if opts.ExecutionID != "" {
		cmd.Env = append(cmd.Env, "WEAVE_EXECUTION_ID="+opts.ExecutionID)
	}
	if opts.StepID != "" {
		cmd.Env = append(cmd.Env, "WEAVE_STEP_ID="+opts.StepID)
	}

	if !promptInArgs {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		// Parent cancellation is not an agent failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		details := map[string]any{
			"stderr":      truncate(stderrBuf.String(), 2048),
			"duration_ms": durationMs,
		}
		if execCtx.Err() == context.DeadlineExceeded {
			details["killed"] = true
			return nil, NewExecutionError(a.id, "command timed out after %s", a.cfg.Timeout).
				WithCause(execCtx.Err()).WithDetails(details)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			details["exit_code"] = exitErr.ExitCode()
			return nil, NewExecutionError(a.id, "command exited with code %d", exitErr.ExitCode()).
				WithCause(runErr).WithDetails(details)
		}
		return nil, NewExecutionError(a.id, "command failed: %v", runErr).WithCause(runErr).WithDetails(details)
	}

	content := strings.TrimRight(stdoutBuf.String(), "\r\n")
	return &Result{
		Content:      content,
		TokensUsed:   len(strings.Fields(prompt)) + len(strings.Fields(content)),
		FinishReason: "exit",
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// limitedWriter silently discards bytes beyond the limit. Write always reports
// the full len(p) so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

package engine

import (
	"sync"
	"time"

	"github.com/rendis/weave/internal/streaming"
	"github.com/rendis/weave/pkg/schema"
)

// LogEntry is one run-scoped log line.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     schema.LogLevel `json:"level"`
	Message   string          `json:"message"`
	StepID    string          `json:"step_id,omitempty"`
	Fields    map[string]any  `json:"fields,omitempty"`
}

// Snapshot is an immutable copy of an ExecutionContext.
type Snapshot struct {
	ExecutionID  string                 `json:"execution_id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkspaceDir string                 `json:"workspace_dir"`
	Parameters   map[string]any         `json:"parameters"`
	SharedConfig map[string]any         `json:"shared_config,omitempty"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	Status       schema.ExecutionStatus `json:"status"`
	StepResults  map[string]string      `json:"step_results"`
	Errors       []string               `json:"errors"`
	Warnings     []string               `json:"warnings,omitempty"`
	Logs         []LogEntry             `json:"logs"`
}

// Duration is the elapsed run time, up to now for non-terminal runs.
func (s Snapshot) Duration() time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// ExecutionContext is the mutable record of one run. Only the run's own
// scheduler writes step results; Cancel may be called from any goroutine.
// Once terminal, every mutator is a no-op.
type ExecutionContext struct {
	mu sync.RWMutex

	executionID  string
	workflowID   string
	workspaceDir string
	parameters   map[string]any
	sharedConfig map[string]any

	startTime time.Time
	endTime   *time.Time
	status    schema.ExecutionStatus

	stepResults map[string]string
	errors      []string
	warnings    []string
	logs        []LogEntry

	sink func(streaming.Event) // set before the run starts; called with mu held, must not block
}

// NewExecutionContext creates a PENDING context. params and the workflow
// config are deep-copied.
func NewExecutionContext(executionID string, def *schema.WorkflowDefinition, params map[string]any, workspaceDir string) *ExecutionContext {
	return &ExecutionContext{
		executionID:  executionID,
		workflowID:   def.ID,
		workspaceDir: workspaceDir,
		parameters:   cloneMap(params),
		sharedConfig: cloneMap(def.Config),
		startTime:    time.Now(),
		status:       schema.ExecutionStatusPending,
		stepResults:  make(map[string]string),
	}
}

func (c *ExecutionContext) ID() string         { return c.executionID }
func (c *ExecutionContext) WorkflowID() string { return c.workflowID }

// WorkspaceDir is fixed at creation.
func (c *ExecutionContext) WorkspaceDir() string { return c.workspaceDir }

// Parameters returns the submitted parameters. The map is never written after
// creation and must not be modified by callers.
func (c *ExecutionContext) Parameters() map[string]any { return c.parameters }

func (c *ExecutionContext) Status() schema.ExecutionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Results returns a copy of the current step results.
func (c *ExecutionContext) Results() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.stepResults))
	for k, v := range c.stepResults {
		out[k] = v
	}
	return out
}

// Transition moves the context to a new status. Terminal transitions stamp
// end_time exactly once.
func (c *ExecutionContext) Transition(to schema.ExecutionStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.transitionLocked(to)
	if err == nil {
		c.emitStatus(to)
	}
	return err
}

func (c *ExecutionContext) transitionLocked(to schema.ExecutionStatus) error {
	if !CanTransition(c.status, to) {
		return invalidTransition(c.executionID, c.status, to)
	}
	c.status = to
	if to.IsTerminal() && c.endTime == nil {
		now := time.Now()
		c.endTime = &now
	}
	return nil
}

// Finish atomically records a final log entry and optional error, then
// transitions to a terminal status. Returns false if already terminal.
func (c *ExecutionContext) Finish(to schema.ExecutionStatus, level schema.LogLevel, message, errMsg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() || !CanTransition(c.status, to) {
		return false
	}
	if errMsg != "" {
		c.errors = append(c.errors, errMsg)
	}
	if message != "" {
		entry := LogEntry{Timestamp: time.Now(), Level: level, Message: message}
		c.logs = append(c.logs, entry)
		c.emitLog(entry)
	}
	if c.transitionLocked(to) != nil {
		return false
	}
	c.emitStatus(to)
	return true
}

// Cancel marks a PENDING or RUNNING context CANCELLED. Returns true only for
// the call that performed the transition.
func (c *ExecutionContext) Cancel(reason string) bool {
	return c.Finish(schema.ExecutionStatusCancelled, schema.LogLevelWarning, reason, "")
}

// SetResult stores a step's output. Discarded once terminal.
func (c *ExecutionContext) SetResult(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.stepResults[key] = value
	return true
}

// AddError appends an error string. Discarded once terminal.
func (c *ExecutionContext) AddError(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.errors = append(c.errors, msg)
	return true
}

// AddWarning records a validation or runtime warning and logs it.
func (c *ExecutionContext) AddWarning(stepID, msg string) bool {
	entry := LogEntry{Timestamp: time.Now(), Level: schema.LogLevelWarning, Message: msg, StepID: stepID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.warnings = append(c.warnings, msg)
	c.logs = append(c.logs, entry)
	c.emitLog(entry)
	return true
}

// Log appends a log entry. Discarded once terminal.
func (c *ExecutionContext) Log(level schema.LogLevel, stepID, message string, fields map[string]any) bool {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		StepID:    stepID,
		Fields:    fields,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.logs = append(c.logs, entry)
	c.emitLog(entry)
	return true
}

// observe installs the event sink. Must be called before the context is
// shared.
func (c *ExecutionContext) observe(sink func(streaming.Event)) {
	c.sink = sink
}

// emitLog and emitStatus require c.mu so observers see events in the order
// the context recorded them.
func (c *ExecutionContext) emitLog(entry LogEntry) {
	if c.sink == nil {
		return
	}
	c.sink(streaming.Event{
		Type:        streaming.EventLog,
		ExecutionID: c.executionID,
		WorkflowID:  c.workflowID,
		StepID:      entry.StepID,
		Timestamp:   entry.Timestamp,
		Level:       string(entry.Level),
		Message:     entry.Message,
		Fields:      cloneMap(entry.Fields),
	})
}

func (c *ExecutionContext) emitStatus(to schema.ExecutionStatus) {
	if c.sink == nil {
		return
	}
	c.sink(streaming.Event{
		Type:        streaming.EventStatus,
		ExecutionID: c.executionID,
		WorkflowID:  c.workflowID,
		Timestamp:   time.Now(),
		Status:      string(to),
	})
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (c *ExecutionContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		ExecutionID:  c.executionID,
		WorkflowID:   c.workflowID,
		WorkspaceDir: c.workspaceDir,
		Parameters:   cloneMap(c.parameters),
		SharedConfig: cloneMap(c.sharedConfig),
		StartTime:    c.startTime,
		Status:       c.status,
		StepResults:  make(map[string]string, len(c.stepResults)),
		Errors:       append([]string{}, c.errors...),
		Logs:         make([]LogEntry, len(c.logs)),
	}
	if c.endTime != nil {
		end := *c.endTime
		s.EndTime = &end
	}
	for k, v := range c.stepResults {
		s.StepResults[k] = v
	}
	if len(c.warnings) > 0 {
		s.Warnings = append([]string{}, c.warnings...)
	}
	for i, l := range c.logs {
		l.Fields = cloneMap(l.Fields)
		s.Logs[i] = l
	}
	return s
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

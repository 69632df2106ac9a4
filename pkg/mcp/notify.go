package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/weave/internal/engine"
)

const finishedMethod = "notifications/weave/execution_finished"

// Notifier tells clients that an execution reached a terminal status.
type Notifier interface {
	ExecutionFinished(ctx context.Context, snap engine.Snapshot) error
}

// owners records which client session submitted each execution, with a
// reverse index so a disconnecting session can be dropped in one call.
type owners struct {
	mu        sync.Mutex
	bySubmit  map[string]string
	bySession map[string]map[string]struct{}
}

func newOwners() *owners {
	return &owners{
		bySubmit:  make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (o *owners) claim(executionID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.bySubmit[executionID]; ok {
		o.unlink(prev, executionID)
	}
	o.bySubmit[executionID] = sessionID
	runs := o.bySession[sessionID]
	if runs == nil {
		runs = make(map[string]struct{})
		o.bySession[sessionID] = runs
	}
	runs[executionID] = struct{}{}
}

// release removes and returns the owner of executionID.
func (o *owners) release(executionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sid, ok := o.bySubmit[executionID]
	if !ok {
		return "", false
	}
	delete(o.bySubmit, executionID)
	o.unlink(sid, executionID)
	return sid, true
}

// disconnect forgets every execution owned by sessionID and reports how many
// were pending.
func (o *owners) disconnect(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	runs := o.bySession[sessionID]
	for eid := range runs {
		delete(o.bySubmit, eid)
	}
	delete(o.bySession, sessionID)
	return len(runs)
}

func (o *owners) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bySubmit)
}

// unlink requires o.mu.
func (o *owners) unlink(sessionID, executionID string) {
	runs := o.bySession[sessionID]
	delete(runs, executionID)
	if len(runs) == 0 {
		delete(o.bySession, sessionID)
	}
}

// sessionNotifier sends MCP notifications to the session that submitted a run.
type sessionNotifier struct {
	srv    *server.MCPServer
	owners *owners
}

// ExecutionFinished is best effort: unknown executions and vanished sessions
// are not errors.
func (n *sessionNotifier) ExecutionFinished(_ context.Context, snap engine.Snapshot) error {
	sid, ok := n.owners.release(snap.ExecutionID)
	if !ok {
		return nil
	}
	err := n.srv.SendNotificationToSpecificClient(sid, finishedMethod, finishedPayload(snap))
	if errors.Is(err, server.ErrSessionNotFound) {
		n.owners.disconnect(sid)
		return nil
	}
	return err
}

func finishedPayload(snap engine.Snapshot) map[string]any {
	p := map[string]any{
		"execution_id": snap.ExecutionID,
		"workflow_id":  snap.WorkflowID,
		"status":       snap.Status,
		"step_results": len(snap.StepResults),
	}
	if snap.EndTime != nil {
		p["duration_seconds"] = snap.Duration().Seconds()
	}
	if len(snap.Errors) > 0 {
		p["errors"] = snap.Errors
	}
	return p
}

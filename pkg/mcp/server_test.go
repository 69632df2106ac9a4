package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/pkg/schema"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	for _, name := range []string{
		"weave.submit",
		"weave.status",
		"weave.list",
		"weave.cancel",
		"weave.active",
		"weave.define",
		"weave.wait",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"weave.submit", "Start a workflow run and return its execution ID"},
		{"weave.status", "Get the full state of one execution"},
		{"weave.cancel", "Cancel a pending or running execution"},
		{"weave.define", "Validate and catalogue a reusable workflow definition"},
		{"weave.wait", "Block until an execution finishes or the timeout elapses"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestOwners_ClaimAndRelease(t *testing.T) {
	o := newOwners()
	o.claim("exec-1", "session-a")
	o.claim("exec-2", "session-a")
	o.claim("exec-3", "session-b")
	assert.Equal(t, 3, o.pending())

	sid, ok := o.release("exec-1")
	require.True(t, ok)
	assert.Equal(t, "session-a", sid)
	_, ok = o.release("exec-1")
	assert.False(t, ok)

	assert.Equal(t, 1, o.disconnect("session-a"))
	assert.Equal(t, 0, o.disconnect("session-a"))
	assert.Equal(t, 1, o.pending())
}

func TestOwners_ReclaimMovesExecution(t *testing.T) {
	o := newOwners()
	o.claim("exec-1", "session-a")
	o.claim("exec-1", "session-b")

	assert.Equal(t, 0, o.disconnect("session-a"))
	sid, ok := o.release("exec-1")
	require.True(t, ok)
	assert.Equal(t, "session-b", sid)
}

func TestSessionNotifier_UnknownExecutionIsNoop(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.notifier.ExecutionFinished(t.Context(), engine.Snapshot{ExecutionID: "missing"}))
}

func TestSessionNotifier_VanishedSessionIsDropped(t *testing.T) {
	s := NewServer(ServerDeps{})
	s.owners.claim("exec-1", "gone")
	s.owners.claim("exec-2", "gone")

	assert.NoError(t, s.notifier.ExecutionFinished(t.Context(), engine.Snapshot{ExecutionID: "exec-1"}))
	assert.Equal(t, 0, s.owners.pending())
}

func TestFinishedPayload(t *testing.T) {
	end := time.Now()
	p := finishedPayload(engine.Snapshot{
		ExecutionID: "e",
		WorkflowID:  "wf",
		Status:      schema.ExecutionStatusFailed,
		StartTime:   end.Add(-2 * time.Second),
		EndTime:     &end,
		Errors:      []string{"boom"},
	})
	assert.Equal(t, "e", p["execution_id"])
	assert.Equal(t, schema.ExecutionStatusFailed, p["status"])
	assert.Equal(t, []string{"boom"}, p["errors"])
	assert.InDelta(t, 2.0, p["duration_seconds"], 0.01)

	p = finishedPayload(engine.Snapshot{ExecutionID: "e", Status: schema.ExecutionStatusCompleted})
	assert.NotContains(t, p, "errors")
	assert.NotContains(t, p, "duration_seconds")
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestFromContext_Empty(t *testing.T) {
	assert.Equal(t, Correlation{}, FromContext(context.Background()))
	assert.Empty(t, Correlation{}.Attrs())
}

func TestScopes(t *testing.T) {
	run := WithRun(context.Background(), "exec-1", "wf-1")
	step := WithStep(run, "draft", "writer")

	assert.Equal(t, Correlation{ExecutionID: "exec-1", WorkflowID: "wf-1"}, FromContext(run))
	assert.Equal(t, Correlation{ExecutionID: "exec-1", WorkflowID: "wf-1", StepID: "draft", AgentID: "writer"}, FromContext(step))

	// Narrowing to a bare step drops the previous agent.
	next := WithStepID(step, "review")
	assert.Equal(t, "review", FromContext(next).StepID)
	assert.Empty(t, FromContext(next).AgentID)

	// A new run resets step scope.
	again := WithRun(step, "exec-2", "wf-2")
	assert.Equal(t, Correlation{ExecutionID: "exec-2", WorkflowID: "wf-2"}, FromContext(again))
}

func TestCorrelation_AttrsOrder(t *testing.T) {
	attrs := Correlation{ExecutionID: "e", StepID: "s"}.Attrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "execution_id", attrs[0].Key)
	assert.Equal(t, "step_id", attrs[1].Key)
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithStep(WithRun(context.Background(), "exec-auto", "wf-auto"), "step-auto", "agent-auto")
	jsonLogger(&buf).InfoContext(ctx, "auto inject")

	rec := decodeLine(t, &buf)
	assert.Equal(t, "exec-auto", rec["execution_id"])
	assert.Equal(t, "wf-auto", rec["workflow_id"])
	assert.Equal(t, "step-auto", rec["step_id"])
	assert.Equal(t, "agent-auto", rec["agent_id"])
}

func TestCorrelationHandler_BareContext(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf).InfoContext(context.Background(), "bare log")

	rec := decodeLine(t, &buf)
	assert.Equal(t, "bare log", rec["msg"])
	assert.NotContains(t, rec, "execution_id")
	assert.NotContains(t, rec, "step_id")
}

func TestCorrelationHandler_KeepsAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf).With("component", "engine")

	logger.InfoContext(WithRun(context.Background(), "exec-attr", "wf"), "with attrs")

	rec := decodeLine(t, &buf)
	assert.Equal(t, "exec-attr", rec["execution_id"])
	assert.Equal(t, "engine", rec["component"])

	buf.Reset()
	jsonLogger(&buf).WithGroup("run").InfoContext(WithRun(context.Background(), "exec-g", "wf"), "grouped")
	rec = decodeLine(t, &buf)
	group, ok := rec["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "exec-g", group["execution_id"])
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(WithRun(context.Background(), "exec-only", ""), logger).Info("partial context")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-only")
	assert.NotContains(t, out, "workflow_id")

	assert.Same(t, logger, LogWith(context.Background(), logger))
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warning", "text")
	ctx := WithRun(context.Background(), "exec-9", "wf")

	logger.InfoContext(ctx, "dropped")
	logger.WarnContext(ctx, "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "execution_id=exec-9")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

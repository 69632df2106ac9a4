package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

const defaultWaitTimeout = 60 * time.Second

// executionSummary is the compact form used by weave.list.
type executionSummary struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     *time.Time             `json:"end_time,omitempty"`
	Errors      []string               `json:"errors,omitempty"`
}

// handleSubmit starts a run from a catalogued or inline definition.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	workspace := req.GetString("workspace_dir", "")

	id, err := s.engine.Submit(ctx, def, params, workspace)
	if err != nil {
		return toolError(err), nil
	}

	if req.GetBool("notify", true) && s.captureSession(ctx, id) {
		go s.watch(id)
	}

	out := map[string]any{
		"execution_id": id,
		"workflow_id":  def.ID,
	}
	if snap, ok := s.engine.Status(id); ok {
		out["status"] = snap.Status
		if len(snap.Warnings) > 0 {
			out["warnings"] = snap.Warnings
		}
	}
	return marshalResult(out)
}

func (s *Server) resolveDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		return s.validator.Schema().DecodeDefinition(raw)
	}
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "either workflow_id or definition is required")
	}
	if s.defs == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no workflow catalog configured")
	}
	rec, err := s.defs.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return rec.Definition, nil
}

// handleStatus returns the full snapshot of one execution.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	snap, ok := s.engine.Status(id)
	if !ok {
		return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)), nil
	}
	return marshalResult(snap)
}

// handleList lists executions or catalogued workflows.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	switch resource := req.GetString("resource", "executions"); resource {
	case "executions":
		status := schema.ExecutionStatus(req.GetString("status", ""))
		out := make([]executionSummary, 0)
		for _, snap := range s.engine.List() {
			if status != "" && snap.Status != status {
				continue
			}
			out = append(out, executionSummary{
				ExecutionID: snap.ExecutionID,
				WorkflowID:  snap.WorkflowID,
				Status:      snap.Status,
				StartTime:   snap.StartTime,
				EndTime:     snap.EndTime,
				Errors:      snap.Errors,
			})
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return marshalResult(map[string]any{"executions": out})

	case "workflows":
		if s.defs == nil {
			return marshalResult(map[string]any{"workflows": []*store.Record{}})
		}
		recs, err := s.defs.List(ctx, store.Filter{Prefix: req.GetString("prefix", ""), Limit: limit})
		if err != nil {
			return toolError(err), nil
		}
		if recs == nil {
			recs = []*store.Record{}
		}
		return marshalResult(map[string]any{"workflows": recs})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
	}
}

// handleCancel cancels one execution.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	snap, ok := s.engine.Status(id)
	if !ok {
		return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)), nil
	}
	cancelled := s.engine.Cancel(id)
	if cancelled {
		snap, _ = s.engine.Status(id)
	}
	return marshalResult(map[string]any{
		"execution_id": id,
		"cancelled":    cancelled,
		"status":       snap.Status,
	})
}

// handleActive reports the number of running executions.
func (s *Server) handleActive(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"active": s.engine.ActiveCount()})
}

// handleDefine validates and stores a definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	if s.defs == nil {
		return toolError(schema.NewError(schema.ErrCodeNotFound, "no workflow catalog configured")), nil
	}

	def, err := s.validator.Schema().DecodeDefinition(raw)
	if err != nil {
		return toolError(err), nil
	}
	result := s.validator.ValidateDefinition(def)
	if err := result.ToError(); err != nil {
		return toolError(err), nil
	}

	rec, err := s.defs.Put(ctx, def)
	if err != nil {
		return toolError(err), nil
	}
	s.logger.InfoContext(ctx, "workflow defined",
		slog.String("workflow_id", def.ID),
		slog.Int("version", rec.Version))

	out := map[string]any{
		"workflow_id": def.ID,
		"version":     rec.Version,
	}
	if len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return marshalResult(out)
}

// handleWait blocks until the execution ends or the timeout elapses.
func (s *Server) handleWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	timeout := defaultWaitTimeout
	if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap, err := s.engine.Wait(waitCtx, id)
	switch {
	case schema.IsNotFound(err):
		return toolError(err), nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return marshalResult(map[string]any{"timed_out": true, "execution": snap})
	case ctx.Err() != nil:
		return toolError(schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())), nil
	}
	return marshalResult(map[string]any{"timed_out": false, "execution": snap})
}

// captureSession remembers which client submitted the execution.
func (s *Server) captureSession(ctx context.Context, executionID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.owners.claim(executionID, session.SessionID())
	return true
}

// watch notifies the submitting session once the run ends.
func (s *Server) watch(executionID string) {
	ctx := context.Background()
	snap, _ := s.engine.Wait(ctx, executionID)
	if err := s.notifier.ExecutionFinished(ctx, snap); err != nil {
		s.logger.Warn("execution notification failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}
}

// --- Helpers ---

// toolError renders err as an error result. WeaveErrors keep their code and
// details so callers can act on validation issues.
func toolError(err error) *mcp.CallToolResult {
	var wErr *schema.WeaveError
	if !errors.As(err, &wErr) {
		return mcp.NewToolResultError(err.Error())
	}
	data, mErr := json.Marshal(map[string]any{"error": wErr})
	if mErr != nil {
		return mcp.NewToolResultError(wErr.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/internal/validation"
	"github.com/rendis/weave/pkg/schema"
)

// Engine is the execution surface the tools drive. Satisfied by
// *engine.ExecutionRegistry.
type Engine interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any, workspaceDir string) (string, error)
	Status(id string) (engine.Snapshot, bool)
	List() []engine.Snapshot
	Cancel(id string) bool
	ActiveCount() int
	Wait(ctx context.Context, id string) (engine.Snapshot, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine      Engine
	Definitions store.DefinitionStore
	Validator   *validation.WorkflowValidator
	Logger      *slog.Logger
	Version     string
}

// Server wraps an MCP server with weave tool handlers.
type Server struct {
	engine    Engine
	defs      store.DefinitionStore
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	owners    *owners
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:    deps.Engine,
		defs:      deps.Definitions,
		validator: deps.Validator,
		logger:    logger,
		owners:    newOwners(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		if n := s.owners.disconnect(session.SessionID()); n > 0 {
			logger.DebugContext(ctx, "session closed with pending executions",
				slog.String("session_id", session.SessionID()),
				slog.Int("pending", n))
		}
	})

	mcpSrv := server.NewMCPServer(
		"weave",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Weave runs multi-step agent workflows. Use weave.define to catalogue a workflow, weave.submit to start a run, weave.status or weave.wait to follow it, weave.cancel to stop it, and weave.list or weave.active to inspect the engine."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = &sessionNotifier{srv: mcpSrv, owners: s.owners}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: activeTool(), Handler: s.handleActive},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: waitTool(), Handler: s.handleWait},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("weave.submit",
		mcp.WithDescription("Start a workflow run and return its execution ID"),
		mcp.WithString("workflow_id", mcp.Description("ID of a catalogued workflow (see weave.define)")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition, used instead of workflow_id")),
		mcp.WithObject("params", mcp.Description("Workflow parameters")),
		mcp.WithString("workspace_dir", mcp.Description("Working directory for agents (default: engine setting)")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification to this session when the run ends (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("weave.status",
		mcp.WithDescription("Get the full state of one execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID returned by weave.submit")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("weave.list",
		mcp.WithDescription("List executions or catalogued workflows"),
		mcp.WithString("resource",
			mcp.Enum("executions", "workflows"),
			mcp.Description("What to list (default: executions)"),
		),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "completed", "failed", "cancelled"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithString("prefix", mcp.Description("Only workflows whose ID starts with this prefix")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("weave.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to cancel")),
	)
}

func activeTool() mcp.Tool {
	return mcp.NewTool("weave.active",
		mcp.WithDescription("Count executions currently running"),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("weave.define",
		mcp.WithDescription("Validate and catalogue a reusable workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func waitTool() mcp.Tool {
	return mcp.NewTool("weave.wait",
		mcp.WithDescription("Block until an execution finishes or the timeout elapses"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to wait for")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Maximum wait (default: 60)")),
	)
}

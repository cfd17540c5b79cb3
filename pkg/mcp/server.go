package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// Store is the subset of store.Store the tools read and write.
type Store interface {
	GetWorkflow(ctx context.Context, tenantID, id string, version int) (*schema.Workflow, error)
	GetRun(ctx context.Context, tenantID, runID string) (*schema.RunRecord, error)
	ListHistory(ctx context.Context, tenantID, runID string) ([]*schema.HistoryEntry, error)
}

// Loader parses and checks workflow documents. Satisfied by
// validation.WorkflowValidator.
type Loader interface {
	Load(data []byte) (*schema.Workflow, *schema.ValidationResult, error)
}

// Launcher prepares, records and enqueues runs. Satisfied by engine.Launcher.
type Launcher interface {
	Prepare(ctx context.Context, wf *schema.Workflow, input any, opts engine.LaunchOptions) (*schema.RunMessage, error)
	Record(ctx context.Context, msg *schema.RunMessage) error
	Enqueue(ctx context.Context, msg *schema.RunMessage) error
}

// Runner executes a run message in-process. Satisfied by engine.Runner.
type Runner interface {
	Start(ctx context.Context, msg *schema.RunMessage) (schema.RunStatus, error)
}

// FlexliServerDeps holds the dependencies for creating a FlexliServer.
// Runner may be nil, which disables inline runs.
type FlexliServerDeps struct {
	Store      Store
	Loader     Loader
	Launcher   Launcher
	Runner     Runner
	Conditions *conditions.Evaluator
	Resolver   *expressions.Resolver
	Logger     *slog.Logger
}

// FlexliServer wraps an MCP server with the flexli tool handlers.
type FlexliServer struct {
	store      Store
	loader     Loader
	launcher   Launcher
	runner     Runner
	conditions *conditions.Evaluator
	resolver   *expressions.Resolver
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewFlexliServer creates a FlexliServer with all tools registered.
func NewFlexliServer(deps FlexliServerDeps) *FlexliServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = expressions.NewResolver()
	}

	s := &FlexliServer{
		store:      deps.Store,
		loader:     deps.Loader,
		launcher:   deps.Launcher,
		runner:     deps.Runner,
		conditions: deps.Conditions,
		resolver:   resolver,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"flexli",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flexli runs multi-tenant workflows. Use flexli.validate to check a workflow document, flexli.evaluate_condition and flexli.transform to try expressions against sample data, flexli.run to start a run and flexli.history to read its history."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlexliServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlexliServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlexliServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: evaluateConditionTool(), Handler: s.handleEvaluateCondition},
		{Tool: transformTool(), Handler: s.handleTransform},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("flexli.validate",
		mcp.WithDescription("Validate a workflow document"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Workflow as YAML or JSON text")),
	)
}

func evaluateConditionTool() mcp.Tool {
	return mcp.NewTool("flexli.evaluate_condition",
		mcp.WithDescription("Evaluate a condition against a resource"),
		mcp.WithObject("condition", mcp.Required(), mcp.Description("Condition with criteria and attributes")),
		mcp.WithObject("resource", mcp.Required(), mcp.Description("Document the attribute expressions read from")),
	)
}

func transformTool() mcp.Tool {
	return mcp.NewTool("flexli.transform",
		mcp.WithDescription("Apply a transform to a source document"),
		mcp.WithObject("source", mcp.Required(), mcp.Description("Document expressions read from")),
		mcp.WithObject("transform", mcp.Required(), mcp.Description("Key paths mapped to values or :: expressions")),
		mcp.WithObject("target", mcp.Description("Document the updates merge into (default: empty)")),
		mcp.WithObject("variables", mcp.Description("Values stored under the variables key")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flexli.run",
		mcp.WithDescription("Run a workflow version"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the workflow")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to run")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Workflow version")),
		mcp.WithObject("input", mcp.Description("Source input (default: empty object)")),
		mcp.WithString("mode",
			mcp.Enum("enqueue", "inline"),
			mcp.Description("enqueue publishes the run; inline runs it to completion here (default: enqueue)"),
		),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("flexli.history",
		mcp.WithDescription("Get a run record and its history"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the run")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to read")),
	)
}

package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crmflow/internal/service"
	"github.com/rendis/crmflow/internal/store"
)

// Workflows is the workflow management surface. *service.WorkflowService
// implements it.
type Workflows interface {
	Create(ctx context.Context, req service.CreateRequest) (*store.Workflow, error)
	Get(ctx context.Context, tenantID, id string) (*store.Workflow, error)
	List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	Update(ctx context.Context, tenantID, id string, req service.UpdateRequest) (*store.Workflow, error)
	Activate(ctx context.Context, tenantID, id string) (*store.Workflow, error)
	Deactivate(ctx context.Context, tenantID, id string) (*store.Workflow, error)
	Delete(ctx context.Context, tenantID, id string) error
	Executions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionLog, error)
	Execution(ctx context.Context, tenantID, id string) (*store.ExecutionLog, error)
}

// Entities is the entity write path. *entities.Service implements it.
type Entities interface {
	Create(ctx context.Context, tenantID, entityType, id string, data map[string]any) (*store.Entity, error)
	Update(ctx context.Context, tenantID, entityType, id string, patch map[string]any) (*store.Entity, error)
	Delete(ctx context.Context, tenantID, entityType, id string) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Workflows Workflows
	Entities  Entities
	Logger    *slog.Logger
}

// Server wraps an MCP server with crmflow tool handlers.
type Server struct {
	workflows Workflows
	entities  Entities
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all seven tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		workflows: deps.Workflows,
		entities:  deps.Entities,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"crmflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("crmflow runs CRM workflow automations. Use crmflow.workflow.save to create or update a workflow, crmflow.workflow.status to activate or deactivate it, crmflow.entity.event to write a record and fire its triggers, crmflow.executions.query to inspect runs, and crmflow.workflow.diagram to draw a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
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
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: entityEventTool(), Handler: s.handleEntityEvent},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func saveTool() mcp.Tool {
	return mcp.NewTool("crmflow.workflow.save",
		mcp.WithDescription("Create a draft workflow, or update an existing one when workflow_id is given"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("workflow_id", mcp.Description("ID of the workflow to update; omit to create")),
		mcp.WithString("name", mcp.Description("Workflow name (required on create)")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithString("entity_type", mcp.Description("Entity type the workflow watches (required on create)")),
		mcp.WithObject("definition", mcp.Description("Workflow definition: triggers, conditions, actions, nodes, connections")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crmflow.workflow.status",
		mcp.WithDescription("Get a workflow, or change its lifecycle status"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("action",
			mcp.Enum("get", "activate", "deactivate"),
			mcp.Description("What to do (default: get)"),
		),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("crmflow.workflow.delete",
		mcp.WithDescription("Delete a workflow; its execution history is kept"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("crmflow.workflow.list",
		mcp.WithDescription("List a tenant's workflows"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (entity_type, status, limit, offset)")),
	)
}

func entityEventTool() mcp.Tool {
	return mcp.NewTool("crmflow.entity.event",
		mcp.WithDescription("Create, update or delete a CRM record and fire the matching workflow triggers"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type, e.g. Deal")),
		mcp.WithString("entity_id", mcp.Description("Entity ID (generated on create when omitted)")),
		mcp.WithString("kind", mcp.Required(),
			mcp.Enum("Created", "Updated", "Deleted"),
			mcp.Description("Lifecycle event to apply"),
		),
		mcp.WithObject("data", mcp.Description("Record fields on create, changed fields on update")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("crmflow.executions.query",
		mcp.WithDescription("Query execution logs with their action logs"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("execution_id", mcp.Description("Fetch a single execution log")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, entity_id, status, since, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("crmflow.workflow.diagram",
		mcp.WithDescription("Draw a workflow as Mermaid flowchart syntax or a base64-encoded PNG image, optionally colored by one execution's action outcomes"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("execution_id", mcp.Description("Execution log to overlay on the diagram")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (flowchart syntax) or image (base64 PNG), default mermaid"),
		),
	)
}

package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/crmflow/internal/diagram"
	"github.com/rendis/crmflow/internal/service"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// handleSave creates a workflow, or updates it when workflow_id is set.
func (s *Server) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}

	var def *schema.WorkflowDefinition
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		d, defErr := decodeDefinition(raw)
		if defErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", defErr)), nil
		}
		def = d
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		if def == nil {
			return mcp.NewToolResultError("definition is required"), nil
		}
		wf, createErr := s.workflows.Create(ctx, service.CreateRequest{
			TenantID:    tenantID,
			Name:        req.GetString("name", ""),
			Description: req.GetString("description", ""),
			EntityType:  req.GetString("entity_type", ""),
			Definition:  *def,
		})
		if createErr != nil {
			return toolError("failed to create workflow", createErr)
		}
		return marshalResult(wf)
	}

	update := service.UpdateRequest{Definition: def}
	args := req.GetArguments()
	if v, ok := args["name"].(string); ok {
		update.Name = &v
	}
	if v, ok := args["description"].(string); ok {
		update.Description = &v
	}
	if v, ok := args["entity_type"].(string); ok {
		update.EntityType = &v
	}
	wf, updateErr := s.workflows.Update(ctx, tenantID, workflowID, update)
	if updateErr != nil {
		return toolError("failed to update workflow", updateErr)
	}
	return marshalResult(wf)
}

// handleStatus returns a workflow or moves it through its lifecycle.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	var (
		wf     *store.Workflow
		opErr  error
		action = req.GetString("action", "get")
	)
	switch action {
	case "get":
		wf, opErr = s.workflows.Get(ctx, tenantID, workflowID)
	case "activate":
		wf, opErr = s.workflows.Activate(ctx, tenantID, workflowID)
	case "deactivate":
		wf, opErr = s.workflows.Deactivate(ctx, tenantID, workflowID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if opErr != nil {
		return toolError(action+" failed", opErr)
	}
	return marshalResult(wf)
}

// handleDelete removes a workflow.
func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if delErr := s.workflows.Delete(ctx, tenantID, workflowID); delErr != nil {
		return toolError("failed to delete workflow", delErr)
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleList lists a tenant's workflows.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	wf := store.WorkflowFilter{
		TenantID: tenantID,
		Limit:    extractInt(filter, "limit", 50),
		Offset:   extractInt(filter, "offset", 0),
	}
	if entityType, ok := filter["entity_type"].(string); ok {
		wf.EntityType = entityType
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}

	workflows, listErr := s.workflows.List(ctx, wf)
	if listErr != nil {
		return toolError("query failed", listErr)
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleEntityEvent applies a record write. The write itself publishes the
// event, so the response reports the record as it now stands.
func (s *Server) handleEntityEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	entityType, err := req.RequireString("entity_type")
	if err != nil {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	entityID := req.GetString("entity_id", "")
	data := mcp.ParseStringMap(req, "data", nil)

	switch schema.EventKind(kind) {
	case schema.EventCreated:
		e, createErr := s.entities.Create(ctx, tenantID, entityType, entityID, data)
		if createErr != nil {
			return toolError("create failed", createErr)
		}
		return marshalResult(e)
	case schema.EventUpdated:
		if entityID == "" {
			return mcp.NewToolResultError("entity_id is required for Updated"), nil
		}
		if len(data) == 0 {
			return mcp.NewToolResultError("data is required for Updated"), nil
		}
		e, updateErr := s.entities.Update(ctx, tenantID, entityType, entityID, data)
		if updateErr != nil {
			return toolError("update failed", updateErr)
		}
		return marshalResult(e)
	case schema.EventDeleted:
		if entityID == "" {
			return mcp.NewToolResultError("entity_id is required for Deleted"), nil
		}
		if delErr := s.entities.Delete(ctx, tenantID, entityType, entityID); delErr != nil {
			return toolError("delete failed", delErr)
		}
		return marshalResult(map[string]any{"ok": true, "entity_id": entityID})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown event kind: %s", kind)), nil
	}
}

// handleExecutions returns one execution log or a filtered page of them.
func (s *Server) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}

	if id := req.GetString("execution_id", ""); id != "" {
		log, getErr := s.workflows.Execution(ctx, tenantID, id)
		if getErr != nil {
			return toolError("query failed", getErr)
		}
		return marshalResult(log)
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	ef := store.ExecutionFilter{
		TenantID: tenantID,
		Limit:    extractInt(filter, "limit", 100),
		Offset:   extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if entityID, ok := filter["entity_id"].(string); ok {
		ef.EntityID = entityID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	logs, listErr := s.workflows.Executions(ctx, ef)
	if listErr != nil {
		return toolError("query failed", listErr)
	}
	return marshalResult(map[string]any{"executions": logs})
}

// --- Internal helpers ---

// decodeDefinition round-trips the loosely typed tool argument into a
// WorkflowDefinition.
// handleDiagram draws a workflow, with an execution's outcomes when
// execution_id is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}

	wf, err := s.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		return toolError("failed to get workflow", err)
	}

	var log *store.ExecutionLog
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		log, err = s.workflows.Execution(ctx, tenantID, executionID)
		if err != nil {
			return toolError("failed to get execution", err)
		}
		if log.WorkflowID != wf.ID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s does not belong to workflow %s", executionID, wf.ID)), nil
		}
	}

	model, err := diagram.Build(wf, log)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	png, err := diagram.RenderImage(ctx, model)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}

func decodeDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError reports err to the caller as a tool error. Validation details
// ride along so an editor can point at the offending paths.
func toolError(prefix string, err error) (*mcp.CallToolResult, error) {
	if fe, ok := err.(*schema.FlowError); ok && len(fe.Details) > 0 {
		data, mErr := json.Marshal(map[string]any{"error": fe.Error(), "code": fe.Code, "details": fe.Details})
		if mErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

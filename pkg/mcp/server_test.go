package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	expectedTools := []string{
		"crmflow.workflow.save",
		"crmflow.workflow.status",
		"crmflow.workflow.delete",
		"crmflow.workflow.list",
		"crmflow.entity.event",
		"crmflow.executions.query",
		"crmflow.workflow.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"save", "crmflow.workflow.save", "Create a draft workflow, or update an existing one when workflow_id is given"},
		{"status", "crmflow.workflow.status", "Get a workflow, or change its lifecycle status"},
		{"delete", "crmflow.workflow.delete", "Delete a workflow; its execution history is kept"},
		{"list", "crmflow.workflow.list", "List a tenant's workflows"},
		{"entity", "crmflow.entity.event", "Create, update or delete a CRM record and fire the matching workflow triggers"},
		{"executions", "crmflow.executions.query", "Query execution logs with their action logs"},
		{"diagram", "crmflow.workflow.diagram", "Draw a workflow as Mermaid flowchart syntax or a base64-encoded PNG image, optionally colored by one execution's action outcomes"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

// Package mcpserver exposes the engine's operator surface as MCP tools,
// so an LLM can inspect accounts, advance or freeze them, and read the
// audit trail through the HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all engine tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("cadence", "0.1.0")
	client := NewEngineClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAccountStatus, h.HandleAccountStatus)
	s.AddTool(ToolListAccounts, h.HandleListAccounts)
	s.AddTool(ToolAdvanceAccount, h.HandleAdvanceAccount)
	s.AddTool(ToolRollbackAccount, h.HandleRollbackAccount)
	s.AddTool(ToolLockAccount, h.HandleLockAccount)
	s.AddTool(ToolQueryAudit, h.HandleQueryAudit)

	return s
}

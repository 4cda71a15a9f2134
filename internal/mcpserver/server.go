package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with all governance tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("agentgov", version)
	h := NewHandlers(NewGovClient(cfg), cfg.AgentID)

	s.AddTool(ToolCheckCredits, h.HandleCheckCredits)
	s.AddTool(ToolCheckSession, h.HandleCheckSession)
	s.AddTool(ToolGetTrustScore, h.HandleGetTrustScore)
	s.AddTool(ToolGetActionBudget, h.HandleGetActionBudget)
	s.AddTool(ToolGetAttestation, h.HandleGetAttestation)

	return s
}

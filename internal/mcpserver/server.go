package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all riskgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("riskgate", "1.0.0")
	client := NewRiskgateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAssessTransaction, h.HandleAssessTransaction)
	s.AddTool(ToolValidateTransaction, h.HandleValidateTransaction)
	s.AddTool(ToolCheckRateLimit, h.HandleCheckRateLimit)
	s.AddTool(ToolGetVelocity, h.HandleGetVelocity)
	s.AddTool(ToolListRules, h.HandleListRules)
	s.AddTool(ToolGetAuditTrail, h.HandleGetAuditTrail)

	return s
}

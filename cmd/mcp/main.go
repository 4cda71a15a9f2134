// agentgov MCP server - exposes credit and trust checks as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentgov/internal/mcpserver"
)

var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("AGENTGOV_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("AGENTGOV_API_KEY"),
		AgentID: os.Getenv("AGENTGOV_AGENT_ID"),
	}

	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "AGENTGOV_AGENT_ID not set; tools will require an explicit wallet or agent_id")
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

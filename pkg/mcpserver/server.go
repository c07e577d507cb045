// Package mcpserver exposes the harness to MCP clients over stdio: workflow
// validation, replay runs, schema export, and fixture inspection.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates an MCP server with the payrun tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"payrun",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("payrun/validate",
			mcp.WithDescription("Validate a payrun workflow YAML file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("payrun/run",
			mcp.WithDescription("Run a workflow against a replay scenario directory (no live server)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
			mcp.WithString("scenario_dir", mcp.Required(), mcp.Description("Replay scenario directory (inputs.yaml + steps/*.json)")),
		),
		HandleRun,
	)

	s.AddTool(
		mcp.NewTool("payrun/schema",
			mcp.WithDescription("Export the workflow JSON Schema"),
		),
		HandleSchema,
	)

	s.AddTool(
		mcp.NewTool("payrun/scenarios",
			mcp.WithDescription("List the connectors and scenarios configured in a fixtures file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the fixtures YAML file")),
		),
		HandleScenarios,
	)

	return s
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mjelen/payrun/pkg/fixture"
	"github.com/mjelen/payrun/pkg/replay"
	"github.com/mjelen/payrun/pkg/runtime"
	"github.com/mjelen/payrun/pkg/schema"
	"github.com/mjelen/payrun/pkg/vars"
)

// HandleValidate implements the payrun/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	wf, errs := schema.ValidateFile(path)
	if hasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s is valid (%d steps)", wf.Meta.Name, len(wf.Steps))), nil
}

// HandleRun implements the payrun/run MCP tool. Replay only: the workflow
// runs against recorded responses, so an agent can exercise it without a
// server or credentials.
func HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	scenarioDir, _ := args["scenario_dir"].(string)
	if path == "" || scenarioDir == "" {
		return errorResult("path and scenario_dir arguments are required"), nil
	}

	wf, errs := schema.ValidateFile(path)
	if hasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	scenario, err := replay.LoadScenario(scenarioDir)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	logger := slog.New(slog.DiscardHandler)
	store := vars.New(logger)
	for k, v := range scenario.Vars {
		store.Set(k, v)
	}

	o := runtime.NewOrchestrator(wf, store, scenario.Dispatcher(), logger)
	res, runErr := o.Run(ctx)

	response := map[string]any{
		"workflow": res.Workflow,
		"phase":    string(res.Phase),
		"steps":    res.Steps,
		"failures": res.FailureCount(),
	}
	if runErr != nil {
		response["abort_reason"] = res.AbortReason
	}
	data, _ := json.MarshalIndent(response, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: res.Phase == runtime.PhaseAborted,
	}, nil
}

// HandleSchema implements the payrun/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleScenarios implements the payrun/scenarios MCP tool.
func HandleScenarios(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	reg, err := fixture.Load(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	listing := make(map[string][]string)
	for _, connector := range reg.Connectors() {
		listing[connector] = reg.ScenariosFor(connector)
	}
	data, _ := json.MarshalIndent(listing, "", "  ")
	return textResult(string(data)), nil
}

func hasErrors(errs []*schema.ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

func formatErrors(errs []*schema.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, fmt.Sprintf("[%s] %s", e.Phase, e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
		IsError: true,
	}
}

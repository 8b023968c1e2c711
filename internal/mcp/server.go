package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/tripagent/internal/tools"
)

// NewServer returns an MCP server exposing every tool in registry. Arguments
// are validated by the registry, so callers see the same errors the planner
// would.
func NewServer(registry *tools.Registry, logger *slog.Logger) *mcpsdk.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "tripagent", Version: Version}, nil)
	for _, name := range registry.Names() {
		t, _ := registry.Lookup(name)
		server.AddTool(&mcpsdk.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		}, toolHandler(registry, t, logger))
	}
	return server
}

// ServeStdio serves registry over stdin/stdout until ctx is done or the
// client disconnects.
func ServeStdio(ctx context.Context, registry *tools.Registry, logger *slog.Logger) error {
	return NewServer(registry, logger).Run(ctx, &mcpsdk.StdioTransport{})
}

func toolHandler(registry *tools.Registry, t tools.Tool, logger *slog.Logger) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Errorf("invalid arguments: %w", err), nil), nil
			}
		}

		prepared, err := registry.Prepare(t.Name(), args)
		if err != nil {
			return errorResult(err, args), nil
		}
		out, err := t.Invoke(ctx, prepared)
		if err != nil {
			logger.Warn("mcp tool call failed", "tool", t.Name(), "error", err)
			return errorResult(err, prepared), nil
		}
		text, err := tools.MarshalResult(out)
		if err != nil {
			return errorResult(err, prepared), nil
		}
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}, nil
	}
}

func errorResult(err error, params map[string]any) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: tools.ErrorPayload(err, params)}},
	}
}

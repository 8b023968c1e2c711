package mcp

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/szaher/tripagent/internal/tools"
)

// NameSeparator joins server and tool names. Model providers reject "/" in
// tool names.
const NameSeparator = "__"

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// RemoteTool exposes one tool of a connected MCP server as a tools.Tool.
type RemoteTool struct {
	client *Client
	info   ToolInfo
}

var _ tools.Tool = (*RemoteTool)(nil)

// QualifiedName returns the registry name for a server's tool.
func QualifiedName(server, tool string) string {
	return invalidNameChars.ReplaceAllString(server+NameSeparator+tool, "_")
}

func (t *RemoteTool) Name() string { return QualifiedName(t.info.ServerName, t.info.Name) }

func (t *RemoteTool) Description() string {
	if t.info.Description == "" {
		return fmt.Sprintf("%s tool from the %s MCP server", t.info.Name, t.info.ServerName)
	}
	return t.info.Description
}

func (t *RemoteTool) Schema() map[string]any { return t.info.InputSchema }

// Invoke calls the remote tool and returns its text output unchanged.
func (t *RemoteTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.client.CallTool(ctx, t.info.Name, args)
}

// Discover lists the tools of every pooled server as registry tools.
func Discover(ctx context.Context, pool *Pool) ([]tools.Tool, error) {
	var out []tools.Tool
	for _, client := range pool.All() {
		infos, err := client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			out = append(out, &RemoteTool{client: client, info: info})
		}
	}
	return out, nil
}

// ConnectAll launches every configured server and registers its tools.
// Servers that fail to start are reported in the returned error; tools from
// the others are still registered.
func ConnectAll(ctx context.Context, pool *Pool, registry *tools.Registry, servers []ServerConfig) error {
	var errs []error
	for _, cfg := range servers {
		if _, err := pool.Connect(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	found, err := Discover(ctx, pool)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range found {
		if err := registry.Register(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

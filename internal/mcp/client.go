// Package mcp bridges the trip tool registry and the Model Context Protocol.
// Remote MCP servers contribute tools to the planner, and the local registry
// can be served to other MCP clients.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to peers during the MCP handshake.
const Version = "0.1.0"

var errNotConnected = errors.New("mcp client not connected")

// ServerConfig describes a stdio MCP server to launch.
type ServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ToolInfo describes a tool available on an MCP server.
type ToolInfo struct {
	ServerName  string         `json:"server_name"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Client wraps one MCP client session.
type Client struct {
	config  ServerConfig
	session *mcpsdk.ClientSession
}

// NewClient creates an unconnected client for config.
func NewClient(config ServerConfig) *Client {
	return &Client{config: config}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.config.Name }

// Connect launches the server command and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.Command == "" {
		return fmt.Errorf("mcp server %s: no command", c.config.Name)
	}
	cmd := exec.Command(c.config.Command, c.config.Args...)
	return c.ConnectTransport(ctx, &mcpsdk.CommandTransport{Command: cmd})
}

// ConnectTransport performs the handshake over an existing transport.
func (c *Client) ConnectTransport(ctx context.Context, transport mcpsdk.Transport) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "tripagent", Version: Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect to %s: %w", c.config.Name, err)
	}
	c.session = session
	return nil
}

// ListTools returns all tools available on this server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.session == nil {
		return nil, errNotConnected
	}

	var tools []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp list tools on %s: %w", c.config.Name, err)
		}
		schema, err := schemaMap(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("mcp tool %s/%s: %w", c.config.Name, tool.Name, err)
		}
		tools = append(tools, ToolInfo{
			ServerName:  c.config.Name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes a tool and returns its text content. A result flagged as
// an error is returned as an error carrying the same text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.session == nil {
		return "", errNotConnected
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call tool %s: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		if text == "" {
			text = "tool returned an error"
		}
		return "", fmt.Errorf("mcp tool %s: %s", name, text)
	}
	return text, nil
}

// Close ends the session and, for command transports, the server process.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// schemaMap normalizes whatever schema representation the SDK produced into
// a plain JSON object.
func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"type": "object"}, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	if m == nil {
		m = map[string]any{"type": "object"}
	}
	return m, nil
}

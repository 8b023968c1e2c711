package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/tripagent/internal/tools"
)

// currencyTool converts a fixed amount so calls have observable output.
type currencyTool struct{ fail bool }

func (currencyTool) Name() string        { return "convert_currency" }
func (currencyTool) Description() string { return "Convert an amount between currencies" }
func (currencyTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount": map[string]any{"type": "number"},
			"to":     map[string]any{"type": "string", "default": "EUR"},
		},
		"required": []string{"amount"},
	}
}

func (c currencyTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	if c.fail {
		return nil, errors.New("rates unavailable")
	}
	return map[string]any{"amount": args["amount"].(float64) * 0.5, "currency": args["to"]}, nil
}

// connectPair serves reg in memory and returns a pooled client named "fx".
func connectPair(t *testing.T, reg *tools.Registry) (*Pool, *Client) {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcpsdk.NewInMemoryTransports()

	ss, err := NewServer(reg, nil).Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	client := NewClient(ServerConfig{Name: "fx"})
	if err := client.ConnectTransport(ctx, clientT); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	pool := NewPool()
	pool.Add(client)
	t.Cleanup(func() { pool.Close() })
	return pool, client
}

func TestServerListsRegistryTools(t *testing.T) {
	reg, _ := tools.NewRegistry(currencyTool{})
	_, client := connectPair(t, reg)

	infos, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "convert_currency" || infos[0].ServerName != "fx" {
		t.Fatalf("tools = %+v", infos)
	}
	if infos[0].InputSchema["type"] != "object" {
		t.Errorf("schema = %v", infos[0].InputSchema)
	}
}

func TestCallToolAppliesDefaults(t *testing.T) {
	reg, _ := tools.NewRegistry(currencyTool{})
	_, client := connectPair(t, reg)

	out, err := client.CallTool(context.Background(), "convert_currency", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !strings.Contains(out, `"currency":"EUR"`) || !strings.Contains(out, `"amount":50`) {
		t.Errorf("output = %s", out)
	}
}

func TestCallToolErrors(t *testing.T) {
	tests := []struct {
		name string
		tool currencyTool
		args map[string]any
		want string
	}{
		{"validation", currencyTool{}, map[string]any{"to": "JPY"}, "invalid arguments for convert_currency"},
		{"execution", currencyTool{fail: true}, map[string]any{"amount": 1}, "rates unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := tools.NewRegistry(tt.tool)
			_, client := connectPair(t, reg)
			_, err := client.CallTool(context.Background(), "convert_currency", tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("CallTool error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDiscoverRegistersRemoteTools(t *testing.T) {
	remote, _ := tools.NewRegistry(currencyTool{})
	pool, _ := connectPair(t, remote)

	local, _ := tools.NewRegistry()
	if err := ConnectAll(context.Background(), pool, local, nil); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	name := QualifiedName("fx", "convert_currency")
	if name != "fx__convert_currency" {
		t.Fatalf("qualified name = %q", name)
	}
	tool, ok := local.Lookup(name)
	if !ok {
		t.Fatalf("registered = %v", local.Names())
	}

	args, err := local.Prepare(name, map[string]any{"amount": float64(10)})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if s, _ := out.(string); !strings.Contains(s, `"amount":5`) {
		t.Errorf("remote output = %v", out)
	}
}

func TestQualifiedNameSanitizes(t *testing.T) {
	if got := QualifiedName("my.server", "get/weather"); got != "my_server__get_weather" {
		t.Errorf("QualifiedName = %q", got)
	}
}

func TestConnectAllReportsFailedServers(t *testing.T) {
	pool := NewPool()
	reg, _ := tools.NewRegistry()
	err := ConnectAll(context.Background(), pool, reg, []ServerConfig{
		{Name: "missing", Command: "/nonexistent/mcp-server"},
		{Name: "empty"},
	})
	if err == nil {
		t.Fatal("expected connect errors")
	}
	if len(pool.All()) != 0 || len(reg.Names()) != 0 {
		t.Error("failed servers must not be pooled")
	}
}

func TestPool(t *testing.T) {
	pool := NewPool()
	if _, err := pool.Get("s1"); err == nil || err.Error() != `mcp server "s1" not connected` {
		t.Errorf("Get on empty pool = %v", err)
	}

	pool.Add(NewClient(ServerConfig{Name: "s2"}))
	pool.Add(NewClient(ServerConfig{Name: "s1"}))
	all := pool.All()
	if len(all) != 2 || all[0].Name() != "s1" {
		t.Errorf("All() should be sorted by name: %v", all)
	}
	if _, err := pool.Get("s2"); err != nil {
		t.Errorf("Get: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(pool.All()) != 0 {
		t.Error("pool should be empty after Close")
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient(ServerConfig{Name: "test"})
	if _, err := client.ListTools(context.Background()); !errors.Is(err, errNotConnected) {
		t.Errorf("ListTools = %v", err)
	}
	if _, err := client.CallTool(context.Background(), "x", nil); !errors.Is(err, errNotConnected) {
		t.Errorf("CallTool = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

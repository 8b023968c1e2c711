package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/tripagent/internal/secrets"
	"github.com/szaher/tripagent/internal/testutil"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tripagent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Loop.MaxTurns != 10 || cfg.Loop.DispatchConcurrency != 1 || cfg.Tools.MaxResults != 5 {
		t.Errorf("loop/tools defaults = %+v %+v", cfg.Loop, cfg.Tools)
	}
	if cfg.Tools.Timeout != 30*time.Second || cfg.Sweeper.IdleTimeout != 24*time.Hour {
		t.Errorf("durations = %v %v", cfg.Tools.Timeout, cfg.Sweeper.IdleTimeout)
	}
	if cfg.Formatter.Temperature != 0.1 || cfg.Mail.FromName != "AI Travel Assistant" || cfg.Mail.ToName != "Traveler" {
		t.Errorf("gate defaults = %+v %+v", cfg.Formatter, cfg.Mail)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Mail.Transport != TransportLog {
		t.Errorf("drivers = %s %s", cfg.Store.Driver, cfg.Mail.Transport)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
planner:
  model: openai/gpt-4o
loop:
  max_turns: 4
  dispatch_concurrency: 2
tools:
  timeout: 5s
  hotels:
    filter: rating >= 4.5
  mcp_servers:
    - name: weather
      command: weather-mcp
      args: ["--stdio"]
store:
  driver: etcd
  endpoints: ["127.0.0.1:2379"]
`)
	t.Setenv("TRIPAGENT_LOOP_MAX_TURNS", "6")
	t.Setenv("TRIPAGENT_TOOLS_CURRENCY", "EUR")

	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.File() != path {
		t.Errorf("File() = %q", l.File())
	}
	if cfg.Planner.Model != "openai/gpt-4o" || cfg.Loop.DispatchConcurrency != 2 {
		t.Errorf("file values = %+v", cfg)
	}
	if cfg.Loop.MaxTurns != 6 || cfg.Tools.Currency != "EUR" {
		t.Errorf("env overrides not applied: turns=%d currency=%s", cfg.Loop.MaxTurns, cfg.Tools.Currency)
	}
	if cfg.Tools.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Tools.Timeout)
	}
	if len(cfg.Tools.MCPServers) != 1 || cfg.Tools.MCPServers[0].Args[0] != "--stdio" {
		t.Errorf("mcp servers = %+v", cfg.Tools.MCPServers)
	}

	hotels := cfg.ToolSettings("hotels")
	if hotels.Filter != "rating >= 4.5" || hotels.Currency != "EUR" || hotels.MaxResults != 5 {
		t.Errorf("hotel settings = %+v", hotels)
	}
	if cfg.ToolSettings("flights").Filter != "" {
		t.Error("flights should have no filter")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load(); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero turns", func(c *Config) { c.Loop.MaxTurns = 0 }, "loop.max_turns"},
		{"bad concurrency", func(c *Config) { c.Loop.DispatchConcurrency = 0 }, "dispatch_concurrency"},
		{"bad transport", func(c *Config) { c.Mail.Transport = "smtp" }, "mail.transport"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"etcd without endpoints", func(c *Config) { c.Store.Driver = DriverEtcd }, "store.endpoints"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"mcp server without command", func(c *Config) { c.Tools.MCPServers = []MCPServerConfig{{Name: "x"}} }, "mcp_servers[0]"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			testutil.AssertErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("TRIPAGENT_TEST_SERP", "serp-secret")
	cfg := Default()
	cfg.Tools.SerpAPIKey = "env(TRIPAGENT_TEST_SERP)"
	cfg.Planner.APIKey = "sk-literal"
	cfg.Formatter.APIKey = "env(TRIPAGENT_TEST_UNSET_KEY)"

	if err := cfg.ResolveSecrets(context.Background(), secrets.NewChain(nil)); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Tools.SerpAPIKey != "serp-secret" || cfg.Planner.APIKey != "sk-literal" || cfg.Formatter.APIKey != "" {
		t.Errorf("resolved = %q %q %q", cfg.Tools.SerpAPIKey, cfg.Planner.APIKey, cfg.Formatter.APIKey)
	}

	cfg = Default()
	cfg.Mail.Transport = TransportMailerSend
	cfg.Mail.APIKey = "env(TRIPAGENT_TEST_UNSET_MAIL)"
	testutil.AssertErrorContains(t, cfg.ResolveSecrets(context.Background(), secrets.NewChain(nil)), "mail.api_key")
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripagent.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("second write without force should fail")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written file is not YAML: %v", err)
	}
	if !strings.Contains(string(data), "env(ANTHROPIC_API_KEY)") {
		t.Error("template should reference secrets, not values")
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load written file: %v", err)
	}
	if cfg.Loop.MaxTurns != 10 || cfg.Sweeper.Schedule != "@every 5m" {
		t.Errorf("round trip = %+v", cfg)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, "tools:\n  hotels:\n    filter: rating >= 4\n")
	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	l.OnChange(func(c *Config) { reloaded <- c })
	l.Watch(func(err error) { t.Logf("reload error: %v", err) })

	if err := os.WriteFile(path, []byte("tools:\n  hotels:\n    filter: price_per_night < 300\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Tools.Hotels.Filter == "price_per_night < 300" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

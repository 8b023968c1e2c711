// Package config loads tripagent settings from a YAML file, defaults and
// TRIPAGENT_ environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/szaher/tripagent/internal/secrets"
	"github.com/szaher/tripagent/internal/tools"
)

// EnvPrefix prefixes environment overrides, e.g. TRIPAGENT_LOOP_MAX_TURNS.
const EnvPrefix = "TRIPAGENT"

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "tripagent.yaml"

// Config is the full tripagent configuration.
type Config struct {
	Log       LogConfig     `mapstructure:"log" yaml:"log"`
	Planner   ModelConfig   `mapstructure:"planner" yaml:"planner"`
	Formatter ModelConfig   `mapstructure:"formatter" yaml:"formatter"`
	Loop      LoopConfig    `mapstructure:"loop" yaml:"loop"`
	Tools     ToolsConfig   `mapstructure:"tools" yaml:"tools"`
	Mail      MailConfig    `mapstructure:"mail" yaml:"mail"`
	Store     StoreConfig   `mapstructure:"store" yaml:"store"`
	Sweeper   SweeperConfig `mapstructure:"sweeper" yaml:"sweeper"`
	Archive   ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	Server    ServerConfig  `mapstructure:"server" yaml:"server"`
	Secrets   SecretsConfig `mapstructure:"secrets" yaml:"secrets"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ModelConfig selects a model. Model may carry a provider prefix such as
// "openai/gpt-4o" or "ollama/llama3".
type ModelConfig struct {
	Model       string  `mapstructure:"model" yaml:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

type LoopConfig struct {
	MaxTurns            int `mapstructure:"max_turns" yaml:"max_turns"`
	DispatchConcurrency int `mapstructure:"dispatch_concurrency" yaml:"dispatch_concurrency"`
	TokenBudget         int `mapstructure:"token_budget" yaml:"token_budget"`
}

type ToolsConfig struct {
	SerpAPIKey string            `mapstructure:"serpapi_key" yaml:"serpapi_key"`
	Timeout    time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	MaxResults int               `mapstructure:"max_results" yaml:"max_results"`
	Language   string            `mapstructure:"language" yaml:"language"`
	Country    string            `mapstructure:"country" yaml:"country"`
	Currency   string            `mapstructure:"currency" yaml:"currency"`
	Flights    FilterConfig      `mapstructure:"flights" yaml:"flights"`
	Hotels     FilterConfig      `mapstructure:"hotels" yaml:"hotels"`
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers" yaml:"mcp_servers,omitempty"`
}

// FilterConfig holds an optional result filter expression.
type FilterConfig struct {
	Filter string `mapstructure:"filter" yaml:"filter,omitempty"`
}

// MCPServerConfig describes an MCP server whose tools are offered to the planner.
type MCPServerConfig struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
}

type MailConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	From      string `mapstructure:"from" yaml:"from"`
	FromName  string `mapstructure:"from_name" yaml:"from_name"`
	To        string `mapstructure:"to" yaml:"to,omitempty"`
	ToName    string `mapstructure:"to_name" yaml:"to_name"`
	Subject   string `mapstructure:"subject" yaml:"subject"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver" yaml:"driver"`
	DSN         string        `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints,omitempty"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix,omitempty"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

type SweeperConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule    string        `mapstructure:"schedule" yaml:"schedule"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type ArchiveConfig struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client; zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type SecretsConfig struct {
	VaultAddress string `mapstructure:"vault_address" yaml:"vault_address,omitempty"`
	VaultToken   string `mapstructure:"vault_token" yaml:"vault_token,omitempty"`
	VaultMount   string `mapstructure:"vault_mount" yaml:"vault_mount,omitempty"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverEtcd     = "etcd"
)

// Mail transports.
const (
	TransportMailerSend = "mailersend"
	TransportLog        = "log"
)

var defaults = map[string]any{
	"log.level":                 "info",
	"log.format":                "text",
	"planner.model":             "claude-sonnet-4-5",
	"planner.api_key":           "env(ANTHROPIC_API_KEY)",
	"planner.base_url":          "",
	"planner.max_tokens":        4096,
	"planner.temperature":       0.0,
	"formatter.model":           "claude-sonnet-4-5",
	"formatter.api_key":         "env(ANTHROPIC_API_KEY)",
	"formatter.base_url":        "",
	"formatter.max_tokens":      4096,
	"formatter.temperature":     0.1,
	"loop.max_turns":            10,
	"loop.dispatch_concurrency": 1,
	"loop.token_budget":         0,
	"tools.serpapi_key":         "env(SERPAPI_API_KEY)",
	"tools.timeout":             30 * time.Second,
	"tools.max_results":         5,
	"tools.language":            "en",
	"tools.country":             "us",
	"tools.currency":            "USD",
	"tools.flights.filter":      "",
	"tools.hotels.filter":       "",
	"mail.transport":            TransportLog,
	"mail.api_key":              "env(MAILERSEND_API_KEY)",
	"mail.from":                 "",
	"mail.from_name":            "AI Travel Assistant",
	"mail.to":                   "",
	"mail.to_name":              "Traveler",
	"mail.subject":              "Your trip plan",
	"store.driver":              DriverMemory,
	"store.dsn":                 "",
	"store.endpoints":           []string{},
	"store.prefix":              "/tripagent/sessions/",
	"store.dial_timeout":        5 * time.Second,
	"sweeper.enabled":           true,
	"sweeper.schedule":          "@every 5m",
	"sweeper.idle_timeout":      24 * time.Hour,
	"archive.bucket":            "",
	"archive.prefix":            "sessions",
	"archive.region":            "",
	"archive.endpoint":          "",
	"server.addr":               ":8080",
	"server.api_key":            "",
	"server.shutdown_timeout":   15 * time.Second,
	"server.rate_limit":         10.0,
	"server.rate_burst":         20,
	"secrets.vault_address":     "",
	"secrets.vault_token":       "",
	"secrets.vault_mount":       "secret",
}

// Loader reads configuration and reloads it on file changes.
type Loader struct {
	v    *viper.Viper
	path string

	mu       sync.Mutex
	watchers []func(*Config)
}

// NewLoader prepares a loader. An empty path looks for tripagent.yaml in the
// working directory and $HOME/.config/tripagent; a missing file is fine.
func NewLoader(path string) *Loader {
	v := defaultViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/tripagent")
		}
	}
	return &Loader{v: v, path: path}
}

// Load reads the file (if any) and returns a validated Config. Secret
// references are left unresolved.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	return l.decode()
}

func defaultViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func (l *Loader) decode() (*Config, error) {
	return decode(l.v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// OnChange registers fn to receive each successfully reloaded Config.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// Watch starts watching the config file. Reloads that fail validation are
// reported to onError and otherwise ignored.
func (l *Loader) Watch(onError func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.mu.Lock()
		watchers := slices.Clone(l.watchers)
		l.mu.Unlock()
		for _, fn := range watchers {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Planner.Model == "" {
		errs = append(errs, errors.New("planner.model is required"))
	}
	if c.Formatter.Model == "" {
		errs = append(errs, errors.New("formatter.model is required"))
	}
	if c.Loop.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("loop.max_turns must be at least 1, got %d", c.Loop.MaxTurns))
	}
	if c.Loop.DispatchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("loop.dispatch_concurrency must be at least 1, got %d", c.Loop.DispatchConcurrency))
	}
	if c.Loop.TokenBudget < 0 {
		errs = append(errs, errors.New("loop.token_budget must not be negative"))
	}
	if c.Tools.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("tools.max_results must be at least 1, got %d", c.Tools.MaxResults))
	}
	if c.Tools.Timeout < 0 {
		errs = append(errs, errors.New("tools.timeout must not be negative"))
	}
	switch c.Mail.Transport {
	case TransportMailerSend, TransportLog:
	default:
		errs = append(errs, fmt.Errorf("mail.transport %q is not one of mailersend, log", c.Mail.Transport))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case DriverEtcd:
		if len(c.Store.Endpoints) == 0 {
			errs = append(errs, errors.New("store.endpoints is required for the etcd driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, postgres, etcd", c.Store.Driver))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Sweeper.Enabled && c.Sweeper.IdleTimeout <= 0 {
		errs = append(errs, errors.New("sweeper.idle_timeout must be positive"))
	}
	for i, s := range c.Tools.MCPServers {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("tools.mcp_servers[%d] needs a name and a command", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ToolSettings returns search settings for one finder ("flights" or "hotels").
func (c *Config) ToolSettings(kind string) tools.Settings {
	s := tools.Settings{
		Language:   c.Tools.Language,
		Country:    c.Tools.Country,
		Currency:   c.Tools.Currency,
		MaxResults: c.Tools.MaxResults,
	}
	switch kind {
	case "flights":
		s.Filter = c.Tools.Flights.Filter
	case "hotels":
		s.Filter = c.Tools.Hotels.Filter
	}
	return s
}

// ResolveSecrets replaces secret references in credential fields with their
// values. Empty fields stay empty; unresolvable references are errors only
// when required is true for that field.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) error {
	fields := []struct {
		name     string
		value    *string
		required bool
	}{
		{"planner.api_key", &c.Planner.APIKey, false},
		{"formatter.api_key", &c.Formatter.APIKey, false},
		{"tools.serpapi_key", &c.Tools.SerpAPIKey, false},
		{"mail.api_key", &c.Mail.APIKey, c.Mail.Transport == TransportMailerSend},
		{"server.api_key", &c.Server.APIKey, false},
		{"store.dsn", &c.Store.DSN, c.Store.Driver == DriverPostgres},
		{"secrets.vault_token", &c.Secrets.VaultToken, false},
	}
	var errs []error
	for _, f := range fields {
		if *f.value == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f.value)
		if err != nil {
			if f.required {
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			}
			*f.value = ""
			continue
		}
		*f.value = v
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return out, nil
}

// Default returns the built-in configuration, ignoring files and environment.
func Default() *Config {
	cfg, err := decode(defaultViper())
	if err != nil {
		panic(fmt.Sprintf("config: built-in defaults are invalid: %v", err))
	}
	return cfg
}

// WriteDefault writes the built-in configuration to path. Existing files are
// left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists", path)
		}
	}
	data, err := Default().YAML()
	if err != nil {
		return err
	}
	header := []byte("# tripagent configuration. Values like env(NAME) are read from the environment.\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}

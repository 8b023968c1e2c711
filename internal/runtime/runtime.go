// Package runtime assembles the trip agent from configuration and serves it
// over HTTP.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/tripagent/internal/archive"
	"github.com/szaher/tripagent/internal/config"
	"github.com/szaher/tripagent/internal/events"
	"github.com/szaher/tripagent/internal/llm"
	"github.com/szaher/tripagent/internal/loop"
	"github.com/szaher/tripagent/internal/mail"
	"github.com/szaher/tripagent/internal/mcp"
	"github.com/szaher/tripagent/internal/secrets"
	"github.com/szaher/tripagent/internal/session"
	"github.com/szaher/tripagent/internal/telemetry"
	"github.com/szaher/tripagent/internal/tools"
)

// Version is reported by /healthz and the CLI.
var Version = "0.1.0"

// Runtime holds every wired component of the agent.
type Runtime struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	registry *tools.Registry
	runner   *loop.Runner
	store    session.Store
	sweeper  *session.Sweeper
	mcpPool  *mcp.Pool
	flights  *tools.FlightsFinder
	hotels   *tools.HotelsFinder
	closers  []func() error
}

// Options overrides components that are otherwise built from configuration.
type Options struct {
	Logger *slog.Logger
	// Redact receives every resolved secret value.
	Redact *secrets.RedactFilter

	PlannerClient   llm.Client
	FormatterClient llm.Client
	Transport       mail.Transport
	Store           session.Store
	Archiver        archive.Archiver
	SearchOptions   []tools.SerpAPIOption
}

// New resolves secrets in cfg and builds the runtime. cfg is modified in
// place. Close releases whatever New opened, including on error.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Runtime, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		config:  cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		mcpPool: mcp.NewPool(),
	}
	rt.closers = append(rt.closers, rt.mcpPool.Close)
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if err := rt.resolveSecrets(ctx, opts.Redact); err != nil {
		return nil, err
	}
	if err := rt.buildTools(ctx, opts.SearchOptions); err != nil {
		return nil, err
	}

	store, err := rt.openStore(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	rt.store = store

	archiver := opts.Archiver
	if archiver == nil {
		if archiver, err = openArchive(ctx, cfg.Archive); err != nil {
			return nil, err
		}
	}

	transport := opts.Transport
	if transport == nil {
		transport = openTransport(cfg.Mail, logger)
	}

	plannerClient, plannerModel := modelClient(cfg.Planner, opts.PlannerClient)
	formatterClient, formatterModel := modelClient(cfg.Formatter, opts.FormatterClient)

	planner := loop.NewPlanner(plannerClient, plannerModel, rt.registry.Definitions(),
		loop.WithPlannerMaxTokens(cfg.Planner.MaxTokens),
		loop.WithPlannerTemperature(cfg.Planner.Temperature),
	)
	dispatcher := loop.NewDispatcher(rt.registry,
		loop.WithConcurrency(cfg.Loop.DispatchConcurrency),
		loop.WithToolTimeout(cfg.Tools.Timeout),
		loop.WithDispatchLogger(logger),
		loop.WithToolObserver(func(call llm.ToolCall, _ llm.ToolResult, status string, elapsed time.Duration) {
			rt.metrics.RecordToolCall(call.Name, status, elapsed)
		}),
	)
	gate := loop.NewGate(loop.NewFormatter(formatterClient, formatterModel), transport)

	rt.runner = loop.NewRunner(store, planner, dispatcher, gate,
		loop.WithMaxTurns(cfg.Loop.MaxTurns),
		loop.WithTokenBudget(cfg.Loop.TokenBudget),
		loop.WithArchiver(archiver),
		loop.WithEmitter(events.LogEmitter{Logger: logger}),
		loop.WithMetrics(rt.metrics),
		loop.WithLogger(logger),
	)

	if cfg.Sweeper.Enabled {
		rt.sweeper = session.NewSweeper(store, cfg.Sweeper.IdleTimeout,
			session.WithSweepLogger(logger),
			session.WithSweepHook(rt.metrics.RecordSwept),
		)
	}
	return rt, nil
}

// resolveSecrets resolves every secret reference in the config. A Vault
// resolver is added when an address is configured; its token may itself be
// an env reference.
func (rt *Runtime) resolveSecrets(ctx context.Context, redact *secrets.RedactFilter) error {
	chain := secrets.NewChain(redact)
	if sc := rt.config.Secrets; sc.VaultAddress != "" {
		token, err := chain.Resolve(ctx, sc.VaultToken)
		if err != nil {
			return fmt.Errorf("runtime: vault token: %w", err)
		}
		chain.Handle("vault", secrets.NewVaultResolver(sc.VaultAddress, token, secrets.WithVaultMount(sc.VaultMount)))
	}
	return rt.config.ResolveSecrets(ctx, chain)
}

func (rt *Runtime) buildTools(ctx context.Context, searchOpts []tools.SerpAPIOption) error {
	api := tools.NewSerpAPI(rt.config.Tools.SerpAPIKey, searchOpts...)

	var err error
	if rt.flights, err = tools.NewFlightsFinder(api, rt.config.ToolSettings("flights")); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if rt.hotels, err = tools.NewHotelsFinder(api, rt.config.ToolSettings("hotels")); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if rt.registry, err = tools.NewRegistry(rt.flights, rt.hotels); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	servers := make([]mcp.ServerConfig, 0, len(rt.config.Tools.MCPServers))
	for _, s := range rt.config.Tools.MCPServers {
		servers = append(servers, mcp.ServerConfig{Name: s.Name, Command: s.Command, Args: s.Args})
		rt.logger.Info("starting MCP server", "name", s.Name, "command", s.Command)
	}
	if len(servers) > 0 {
		// A broken MCP server costs its own tools, not the agent.
		if err := mcp.ConnectAll(ctx, rt.mcpPool, rt.registry, servers); err != nil {
			rt.logger.Warn("MCP tool discovery incomplete", "error", err)
		}
	}
	rt.logger.Debug("tools registered", "tools", strings.Join(rt.registry.Names(), ","))
	return nil
}

func (rt *Runtime) openStore(ctx context.Context, override session.Store) (session.Store, error) {
	if override != nil {
		return override, nil
	}
	sc := rt.config.Store
	switch sc.Driver {
	case config.DriverPostgres:
		store, err := session.OpenPostgres(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { store.Close(); return nil })
		return store, nil
	case config.DriverEtcd:
		store, err := session.OpenEtcd(sc.Endpoints, sc.DialTimeout, session.WithKeyPrefix(sc.Prefix))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	case config.DriverMemory, "":
		return session.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("runtime: unknown store driver %q", sc.Driver)
	}
}

func openArchive(ctx context.Context, ac config.ArchiveConfig) (archive.Archiver, error) {
	if ac.Bucket == "" {
		return archive.Nop{}, nil
	}
	return archive.OpenS3(ctx, archive.S3Config{
		Bucket:   ac.Bucket,
		Prefix:   ac.Prefix,
		Region:   ac.Region,
		Endpoint: ac.Endpoint,
	})
}

func openTransport(mc config.MailConfig, logger *slog.Logger) mail.Transport {
	if mc.Transport == config.TransportMailerSend {
		return mail.NewMailerSend(mc.APIKey)
	}
	return mail.NewLogTransport(logger)
}

func modelClient(mc config.ModelConfig, override llm.Client) (llm.Client, string) {
	if override != nil {
		_, model := llm.ParseModelString(mc.Model)
		return override, model
	}
	return llm.NewClient(llm.ClientConfig{Model: mc.Model, APIKey: mc.APIKey, BaseURL: mc.BaseURL})
}

// Start begins background work: the idle-session sweeper.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.sweeper == nil {
		return nil
	}
	if err := rt.sweeper.Start(ctx, rt.config.Sweeper.Schedule); err != nil {
		return fmt.Errorf("runtime: start sweeper: %w", err)
	}
	rt.logger.Info("sweeper started", "schedule", rt.config.Sweeper.Schedule, "idle_timeout", rt.config.Sweeper.IdleTimeout)
	return nil
}

// Reconfigure applies hot-reloadable settings: search defaults and result
// filters. Other changes need a restart.
func (rt *Runtime) Reconfigure(cfg *config.Config) error {
	err := errors.Join(
		rt.flights.Configure(cfg.ToolSettings("flights")),
		rt.hotels.Configure(cfg.ToolSettings("hotels")),
	)
	if err != nil {
		return fmt.Errorf("runtime: reconfigure: %w", err)
	}
	rt.logger.Info("search settings reloaded",
		"flights_filter", cfg.Tools.Flights.Filter, "hotels_filter", cfg.Tools.Hotels.Filter)
	return nil
}

// Watch reloads search settings whenever the loader's config file changes.
func (rt *Runtime) Watch(loader *config.Loader) {
	loader.OnChange(func(cfg *config.Config) {
		if err := rt.Reconfigure(cfg); err != nil {
			rt.logger.Warn("config reload rejected", "error", err)
		}
	})
	loader.Watch(func(err error) {
		rt.logger.Warn("config reload failed", "error", err)
	})
}

// Close stops the sweeper and releases stores and MCP servers.
func (rt *Runtime) Close() error {
	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Delivery fills empty fields of d from the mail configuration.
func (rt *Runtime) Delivery(d loop.Delivery) loop.Delivery {
	mc := rt.config.Mail
	if d.From == "" {
		d.From = mc.From
	}
	if d.FromName == "" {
		d.FromName = mc.FromName
	}
	if d.To == "" {
		d.To = mc.To
	}
	if d.ToName == "" {
		d.ToName = mc.ToName
	}
	if d.Subject == "" {
		d.Subject = mc.Subject
	}
	return d
}

func (rt *Runtime) Config() *config.Config      { return rt.config }
func (rt *Runtime) Logger() *slog.Logger        { return rt.logger }
func (rt *Runtime) Metrics() *telemetry.Metrics { return rt.metrics }
func (rt *Runtime) Registry() *tools.Registry   { return rt.registry }
func (rt *Runtime) Runner() *loop.Runner        { return rt.runner }
func (rt *Runtime) Store() session.Store        { return rt.store }
func (rt *Runtime) Sweeper() *session.Sweeper   { return rt.sweeper }

// Server returns the HTTP API for this runtime.
func (rt *Runtime) Server() *Server {
	return NewServer(rt.runner, rt.store, rt.registry,
		WithAPIKey(rt.config.Server.APIKey),
		WithRateLimit(rt.config.Server.RateLimit, rt.config.Server.RateBurst),
		WithLogger(rt.logger),
		WithMetrics(rt.metrics),
		WithDeliveryDefaults(rt.Delivery),
	)
}

// Package main is the entry point for the tripagent CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/tripagent/internal/config"
	"github.com/szaher/tripagent/internal/runtime"
	"github.com/szaher/tripagent/internal/secrets"
	"github.com/szaher/tripagent/internal/telemetry"
)

// Global flags.
var (
	configFile string
	logLevel   string
	logFormat  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tripagent",
		Short: "Plan trips with an LLM and mail the result after review",
		Long: `tripagent asks a planning model to research flights and hotels,
keeps each conversation as a session, and emails the formatted plan
only after a human approves it with "tripagent send".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default ./tripagent.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(newPlanCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newAbandonCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(configFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// newLogger logs to stderr through a redaction filter that learns every
// secret the runtime resolves.
func newLogger(cfg *config.Config) (*slog.Logger, *secrets.RedactFilter) {
	base := telemetry.NewLogger(os.Stderr, telemetry.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	redact := secrets.NewRedactFilter(base.Handler())
	return slog.New(redact), redact
}

// openRuntime loads config and builds the runtime for one command.
func openRuntime(ctx context.Context) (*runtime.Runtime, *config.Loader, error) {
	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, redact := newLogger(cfg)
	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger, Redact: redact})
	if err != nil {
		return nil, nil, err
	}
	if f := loader.File(); f != "" {
		logger.Debug("config loaded", "file", f)
	}
	return rt, loader, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/tripagent/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the idle-session sweeper and config hot reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logFormat == "" {
				logFormat = telemetry.FormatJSON
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, loader, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := rt.Config()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if cfg.Server.APIKey == "" {
				rt.Logger().Warn("server.api_key is empty: API requests are not authenticated")
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			if loader.File() != "" {
				rt.Watch(loader)
			}

			srv := rt.Server()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(addr) }()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			rt.Logger().Info("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	return cmd
}

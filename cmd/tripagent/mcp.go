package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/tripagent/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the trip tools to MCP clients over stdio",
		Long: `Runs an MCP server on stdin/stdout exposing flights_finder, hotels_finder
and any tools imported from tools.mcp_servers. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.Logger().Info("serving tools over MCP stdio", "tools", len(rt.Registry().Names()))
			return mcp.ServeStdio(ctx, rt.Registry(), rt.Logger())
		},
	}
}

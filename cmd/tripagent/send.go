package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/tripagent/internal/loop"
)

func newSendCmd() *cobra.Command {
	var d loop.Delivery

	cmd := &cobra.Command{
		Use:   "send SESSION_ID",
		Short: "Approve a plan and email it",
		Long: `Formats the plan awaiting review as an HTML email and sends it. Unset
addressing falls back to the mail section of the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Runner().Resume(ctx, args[0], rt.Delivery(d))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("✓ Trip plan sent"))
			printSession(out, res.Session)
			return nil
		},
	}

	cmd.Flags().StringVar(&d.To, "to", "", "Recipient address")
	cmd.Flags().StringVar(&d.ToName, "to-name", "", "Recipient display name")
	cmd.Flags().StringVar(&d.From, "from", "", "Sender address")
	cmd.Flags().StringVar(&d.FromName, "from-name", "", "Sender display name")
	cmd.Flags().StringVar(&d.Subject, "subject", "", "Email subject")
	return cmd
}

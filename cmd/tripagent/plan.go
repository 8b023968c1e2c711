package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/tripagent/internal/loop"
)

func newPlanCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "plan [message]",
		Short: "Ask the planner for a trip plan",
		Long: `Appends the message to a session and lets the planner call tools until it
produces a final plan. The plan is printed and the session waits for
"tripagent send". Without a message, an interrupted session is re-driven.`,
		Example: `  tripagent plan "Flights SFO to Tokyo June 1-10 and a 4-star hotel"
  tripagent plan --session 01J9Z... "Make it cheaper"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if message == "" && sessionID == "" {
				return fmt.Errorf("a message is required for a new session")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Runner().Run(ctx, sessionID, message)
			out := cmd.OutOrStdout()
			if err != nil {
				if res != nil && res.Session != nil {
					fmt.Fprintln(out, warnStyle.Render("Progress saved; re-run with --session "+res.Session.ID))
				}
				if errors.Is(err, loop.ErrTurnLimit) {
					return fmt.Errorf("planner did not finish: %w", err)
				}
				return err
			}

			fmt.Fprintln(out, headerStyle.Render("Trip plan"))
			printSession(out, res.Session)
			fmt.Fprintln(out)
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d planner calls, %d tokens. Review, then run: tripagent send %s --to you@example.com",
				res.Turns, res.Usage.Total(), res.Session.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Continue an existing session")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/szaher/tripagent/internal/session"
)

func newShowCmd() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Store().Get(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSession(out, sess)
			if history {
				fmt.Fprintln(out)
				for i, m := range sess.Messages {
					line := m.Content
					switch {
					case len(m.ToolCalls) > 0:
						line = fmt.Sprintf("%d tool call(s): %s", len(m.ToolCalls), m.ToolCalls[0].Name)
					case m.ToolResult != nil:
						line = fmt.Sprintf("%s -> %s", m.ToolResult.ToolName, truncate(m.ToolResult.Content, 80))
					}
					fmt.Fprintf(out, "%s %s %s\n", dimStyle.Render(fmt.Sprintf("%3d", i)), labelStyle.Render(string(m.Role)), truncate(line, 120))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Print the message history")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := session.ListOptions{State: session.State(state), Limit: limit}
			if opts.State != "" && !opts.State.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}

			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.Store().List(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, dimStyle.Render("No sessions."))
				return nil
			}
			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(dimStyle).
				Headers("ID", "STATE", "TOKENS", "UPDATED").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle.Padding(0, 1)
					}
					if col == 1 {
						return stateStyle(list[row].State).Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				})
			for _, s := range list {
				t.Row(s.ID, string(s.State), strconv.Itoa(s.Usage.Total()), s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			fmt.Fprintln(out, t)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only sessions in this state")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list (0 for all)")
	return cmd
}

func newAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon SESSION_ID",
		Short: "Discard a session without sending anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Runner().Abandon(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", sess.ID, dimStyle.Render("abandoned"))
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

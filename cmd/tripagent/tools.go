package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			for _, def := range rt.Registry().Definitions() {
				fmt.Fprintln(out, headerStyle.Render(def.Name))
				fmt.Fprintln(out, "  "+def.Description)
				props, _ := def.InputSchema["properties"].(map[string]any)
				names := make([]string, 0, len(props))
				for name := range props {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					p, _ := props[name].(map[string]any)
					fmt.Fprintf(out, "  %s %s\n", labelStyle.Render(name), dimStyle.Render(fmt.Sprint(p["type"])))
				}
			}
			return nil
		},
	}
}

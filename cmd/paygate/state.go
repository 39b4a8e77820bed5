package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/ui"
)

var stateCmd = &cobra.Command{
	Use:     "state",
	Short:   "Show the gate state, or clear it with --clear",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if clear, _ := cmd.Flags().GetBool("clear"); clear {
			if err := gateClient.ClearState(ctx); err != nil {
				return fmt.Errorf("clearing state: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "gate state cleared")
			return nil
		}

		snap, err := gateClient.GetState(ctx)
		if err != nil {
			return fmt.Errorf("getting state: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the paygate server",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := gateClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), map[string]string{"status": status}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", ui.RenderHealth(status))
		}
		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().Bool("clear", false, "reset the gate to its initial state")
}

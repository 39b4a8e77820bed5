package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
)

var signalCmd = &cobra.Command{
	Use:   "signal <geo|beacon|wifi> <event>",
	Short: "Report a raw signal event",
	Long: `Report a raw signal event to the gate.

Events per kind:
  geo     enter, dwell, exit
  beacon  seen, lost
  wifi    associated, disassociated`,
	GroupID: "signals",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := model.ParseSignalKind(args[0])
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")
		atStr, _ := cmd.Flags().GetString("at")

		ev := events.SignalEvent{Kind: kind, Event: model.EventKind(args[1]), Source: source}
		if atStr != "" {
			at, err := time.Parse(time.RFC3339, atStr)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			ev.At = at
		}
		if err := gateClient.PostSignal(context.Background(), ev); err != nil {
			return fmt.Errorf("posting signal: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ev)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "accepted %s %s\n", kind, ev.Event)
		return nil
	},
}

func lifecycleCmd(use, short string, foreground bool) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		GroupID: "signals",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gateClient.SetForeground(context.Background(), foreground); err != nil {
				return fmt.Errorf("setting lifecycle: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events.LifecycleEvent{Foreground: foreground})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "app is now %s\n", use+"ed")
			return nil
		},
	}
}

var (
	foregroundCmd = lifecycleCmd("foreground", "Mark the app foregrounded", true)
	backgroundCmd = lifecycleCmd("background", "Mark the app backgrounded", false)
)

var sourcesCmd = &cobra.Command{
	Use:     "sources",
	Short:   "List the signal sources the server has heard from",
	GroupID: "signals",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stale, _ := cmd.Flags().GetDuration("stale")
		entries, err := gateClient.ListSources(context.Background(), int(stale.Seconds()))
		if err != nil {
			return fmt.Errorf("listing sources: %w", err)
		}
		if jsonOutput {
			if entries == nil {
				entries = []presence.Entry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}
		printSources(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	signalCmd.Flags().String("source", "", "scanner or region identifier")
	signalCmd.Flags().String("at", "", "event time (RFC3339); defaults to server time")

	sourcesCmd.Flags().Duration("stale", 0, "only show sources silent for at most this long")
}

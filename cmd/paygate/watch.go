package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/client"
	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/server"
	"github.com/alfredjeanlab/paygate/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream decisions as they are emitted",
	Long: `Stream decisions from the server's event stream.

With --bus, read background-route notifications straight from NATS instead
(PAYGATE_NATS_URL or the active remote's nats_url).`,
	GroupID: "decisions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if bus, _ := cmd.Flags().GetBool("bus"); bus {
			natsURL := os.Getenv("PAYGATE_NATS_URL")
			if natsURL == "" {
				natsURL = activeRemoteNATSURL()
			}
			if natsURL == "" {
				return fmt.Errorf("--bus needs PAYGATE_NATS_URL or a remote with nats_url")
			}
			return watchBus(ctx, cmd.OutOrStdout(), natsURL)
		}

		all, _ := cmd.Flags().GetBool("all")
		lastID, _ := cmd.Flags().GetString("last-event-id")
		req := &client.StreamRequest{LastEventID: lastID}
		if !all {
			req.Topics = []string{server.TopicDecisionEmitted}
		}
		return gateClient.StreamDecisions(ctx, req, func(ev client.StreamEvent) error {
			printStreamEvent(cmd.OutOrStdout(), ev)
			return nil
		})
	},
}

func printStreamEvent(w io.Writer, ev client.StreamEvent) {
	if jsonOutput {
		fmt.Fprintf(w, "{\"id\":%q,\"topic\":%q,\"data\":%s}\n", ev.ID, ev.Topic, ev.Data)
		return
	}
	if ev.Topic == server.TopicDecisionEmitted {
		var d model.TriggerDecision
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			printDecisionLine(w, d)
			return
		}
	}
	fmt.Fprintf(w, "%s %s\n", ui.RenderMuted(ev.Topic), ev.Data)
}

// watchBus prints background-route notifications published on the bus.
func watchBus(ctx context.Context, w io.Writer, natsURL string) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(events.TopicPromptNotify)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", events.TopicPromptNotify, err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if jsonOutput {
				fmt.Fprintln(w, string(msg.Data))
				continue
			}
			var n events.PromptNotify
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				slog.Warn("watch: bad notification", "err", err)
				continue
			}
			printDecisionLine(w, n.Decision)
		}
	}
}

func init() {
	watchCmd.Flags().Bool("bus", false, "read background notifications from NATS")
	watchCmd.Flags().Bool("all", false, "include lifecycle, feedback and reset events")
	watchCmd.Flags().String("last-event-id", "", "resume the stream after this event id")
}

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/paygate/internal/client"
	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/idgen"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
	"github.com/alfredjeanlab/paygate/internal/server"
	"github.com/alfredjeanlab/paygate/internal/store"
	"github.com/alfredjeanlab/paygate/internal/ui"
)

// startTestServer runs an in-process paygate and points gateClient at it.
func startTestServer(t *testing.T) *gate.Gate {
	t.Helper()
	ui.ForceNoColor()

	cfg := gate.DefaultConfig()
	cfg.SettleWindow = 10 * time.Millisecond
	cfg.FeedbackTimeout = time.Hour

	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gate.New(cfg, gate.Options{Store: st, History: st, Logger: logger, NewID: idgen.Sequence("pp-")})
	srv := server.New(g, server.Options{History: st, Roster: presence.New(), Logger: logger})
	srv.Start()
	ts := httptest.NewServer(srv.NewHTTPHandler(""))

	prev := gateClient
	gateClient = client.NewHTTPClient(ts.URL, "")
	t.Cleanup(func() {
		gateClient = prev
		ts.Close()
		srv.Close()
		g.Close()
	})
	return g
}

func runCmd(t *testing.T, fn func(out *bytes.Buffer) error) string {
	t.Helper()
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	return buf.String()
}

func TestCommands_SignalToFeedback(t *testing.T) {
	g := startTestServer(t)

	out := runCmd(t, func(b *bytes.Buffer) error {
		foregroundCmd.SetOut(b)
		return foregroundCmd.RunE(foregroundCmd, nil)
	})
	if !strings.Contains(out, "foregrounded") {
		t.Errorf("foreground output = %q", out)
	}

	out = runCmd(t, func(b *bytes.Buffer) error {
		signalCmd.SetOut(b)
		return signalCmd.RunE(signalCmd, []string{"WiFi", "associated"})
	})
	if !strings.Contains(out, "accepted wifi associated") {
		t.Errorf("signal output = %q", out)
	}

	var records []*model.DecisionRecord
	deadline := time.Now().Add(2 * time.Second)
	for len(records) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no decision emitted")
		}
		time.Sleep(10 * time.Millisecond)
		var err error
		records, err = gateClient.ListDecisions(context.Background(), 0)
		if err != nil {
			t.Fatalf("ListDecisions: %v", err)
		}
	}
	id := records[0].ID

	out = runCmd(t, func(b *bytes.Buffer) error {
		decisionsCmd.SetOut(b)
		return decisionsCmd.RunE(decisionsCmd, nil)
	})
	for _, want := range []string{id, "wifi", "foreground", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("decisions output missing %q:\n%s", want, out)
		}
	}

	runCmd(t, func(b *bytes.Buffer) error {
		feedbackCmd.SetOut(b)
		return feedbackCmd.RunE(feedbackCmd, []string{id, "acted_on"})
	})
	if g.Phase() != model.PhaseCooldown {
		t.Fatalf("phase = %q, want cooldown", g.Phase())
	}

	out = runCmd(t, func(b *bytes.Buffer) error {
		stateCmd.SetOut(b)
		return stateCmd.RunE(stateCmd, nil)
	})
	if !strings.Contains(out, "cooldown") || !strings.Contains(out, "wifi") {
		t.Errorf("state output:\n%s", out)
	}

	out = runCmd(t, func(b *bytes.Buffer) error {
		sourcesCmd.SetOut(b)
		return sourcesCmd.RunE(sourcesCmd, nil)
	})
	if !strings.Contains(out, "associated") {
		t.Errorf("sources output:\n%s", out)
	}

	out = runCmd(t, func(b *bytes.Buffer) error {
		healthCmd.SetOut(b)
		return healthCmd.RunE(healthCmd, nil)
	})
	if !strings.Contains(out, "Health: ok") {
		t.Errorf("health output = %q", out)
	}
}

func TestCommands_Errors(t *testing.T) {
	startTestServer(t)

	for _, tc := range []struct {
		name string
		fn   func() error
	}{
		{"unknown kind", func() error { return signalCmd.RunE(signalCmd, []string{"nfc", "tap"}) }},
		{"event for wrong kind", func() error { return signalCmd.RunE(signalCmd, []string{"geo", "in_range"}) }},
		{"bad outcome", func() error { return feedbackCmd.RunE(feedbackCmd, []string{"pp-1", "ignored"}) }},
		{"unknown decision", func() error { return feedbackCmd.RunE(feedbackCmd, []string{"pp-404", "shown"}) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestCommands_ClearState(t *testing.T) {
	g := startTestServer(t)
	g.SetForegrounded(true)
	if err := g.Ingest(model.KindBeacon, model.EventSeen, time.Time{}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := stateCmd.Flags().Set("clear", "true"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = stateCmd.Flags().Set("clear", "false") })

	out := runCmd(t, func(b *bytes.Buffer) error {
		stateCmd.SetOut(b)
		return stateCmd.RunE(stateCmd, nil)
	})
	if !strings.Contains(out, "cleared") {
		t.Errorf("clear output = %q", out)
	}
	if g.Snapshot().State.ActiveSet() != 0 {
		t.Error("active signals survived a clear")
	}
}

func TestColorizeHelpOutput(t *testing.T) {
	noColorPrev := noColor
	defer func() { noColor = noColorPrev }()

	in := "Signals:\n  signal      Report a raw signal event\n\nFlags:\n      --limit int   maximum (default 20)\n"
	out := colorizeHelpOutput(in)
	for _, want := range []string{"Signals:", "signal", "int", "(default 20)"} {
		if !strings.Contains(out, want) {
			t.Errorf("colorized help lost %q:\n%s", want, out)
		}
	}
}

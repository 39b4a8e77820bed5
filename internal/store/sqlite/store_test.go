package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paygate.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestGateStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	if _, err := s.LoadGateState(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty db, got %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(10 * time.Minute)
	st := model.NewGateState()
	st.Signals[model.KindWifi] = &model.SignalState{Active: true, Stable: true, LastChangedAt: now, ActiveSince: now, LastEventKind: model.EventAssociated}
	st.CooldownUntil = &until
	st.LastPromptReason = "wifi"
	if err := s.SaveGateState(ctx, st); err != nil {
		t.Fatalf("SaveGateState: %v", err)
	}
	// Second save exercises the upsert.
	st.LastPromptReason = "geo+wifi"
	if err := s.SaveGateState(ctx, st); err != nil {
		t.Fatalf("SaveGateState (update): %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadGateState(ctx)
	if err != nil {
		t.Fatalf("LoadGateState: %v", err)
	}
	if !got.Signals[model.KindWifi].Stable || got.LastPromptReason != "geo+wifi" {
		t.Errorf("unexpected state after reopen: %+v", got)
	}
	if got.CooldownUntil == nil || !got.CooldownUntil.Equal(until) {
		t.Errorf("CooldownUntil = %v, want %v", got.CooldownUntil, until)
	}
}

func TestDecisionHistory(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, set := range []model.SignalSet{
		model.SetOf(model.KindGeo),
		model.SetOf(model.KindGeo, model.KindBeacon),
		model.SetOf(model.KindGeo, model.KindBeacon, model.KindWifi),
	} {
		d := model.NewTriggerDecision("pp-"+set.Reason(), set, base.Add(time.Duration(i)*time.Minute), model.RouteForeground)
		if err := s.RecordDecision(ctx, d); err != nil {
			t.Fatalf("RecordDecision: %v", err)
		}
	}

	if err := s.ResolveDecision(ctx, "pp-geo", model.OutcomeActedOn, base.Add(time.Second)); err != nil {
		t.Fatalf("ResolveDecision: %v", err)
	}
	// First outcome wins.
	if err := s.ResolveDecision(ctx, "pp-geo", model.OutcomeDismissed, base.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveDecision (repeat): %v", err)
	}
	if err := s.ResolveDecision(ctx, "pp-missing", model.OutcomeShown, base); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	recs, err := s.ListDecisions(ctx, 0)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Reason != "geo+beacon+wifi" || recs[2].Reason != "geo" {
		t.Errorf("records not newest first: %s, %s", recs[0].Reason, recs[2].Reason)
	}
	if recs[2].Outcome != model.OutcomeActedOn || recs[2].ResolvedAt == nil || !recs[2].ResolvedAt.Equal(base.Add(time.Second)) {
		t.Errorf("unexpected resolution: %+v", recs[2])
	}

	limited, err := s.ListDecisions(ctx, 2)
	if err != nil {
		t.Fatalf("ListDecisions(2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 records, got %d", len(limited))
	}
}

func TestCanceledContext(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SaveGateState(ctx, model.NewGateState()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

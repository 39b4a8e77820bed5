package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
)

type ingestCall struct {
	kind  model.SignalKind
	event model.EventKind
	at    time.Time
}

// fakeSink records calls made by the handler.
type fakeSink struct {
	mu        sync.Mutex
	ingests   []ingestCall
	fg        []bool
	feedback  map[string]model.Outcome
	ingestErr error
	calls     chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{feedback: map[string]model.Outcome{}, calls: make(chan struct{}, 16)}
}

func (f *fakeSink) notify() {
	select {
	case f.calls <- struct{}{}:
	default:
	}
}

func (f *fakeSink) Ingest(kind model.SignalKind, event model.EventKind, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingests = append(f.ingests, ingestCall{kind, event, at})
	f.notify()
	return nil
}

func (f *fakeSink) SetForegrounded(fg bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fg = append(f.fg, fg)
	f.notify()
}

func (f *fakeSink) ReportFeedback(id string, outcome model.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "pp-unknown" {
		return errors.New("unknown decision")
	}
	f.feedback[id] = outcome
	f.notify()
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleSignal_RecordsRoster(t *testing.T) {
	sink := newFakeSink()
	roster := presence.New()
	h := NewHandler(sink, roster, quietLogger())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := h.HandleSignal(context.Background(), events.SignalEvent{Kind: "Beacon", Event: "SEEN", At: at, Source: "till-2"})
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if len(sink.ingests) != 1 || sink.ingests[0] != (ingestCall{model.KindBeacon, model.EventSeen, at}) {
		t.Fatalf("unexpected ingests: %+v", sink.ingests)
	}
	entries := roster.Roster(0)
	if len(entries) != 1 || entries[0].Source != "till-2" || !entries[0].Active {
		t.Errorf("unexpected roster: %+v", entries)
	}
}

func TestHandleSignal_Rejects(t *testing.T) {
	sink := newFakeSink()
	roster := presence.New()
	h := NewHandler(sink, roster, quietLogger())

	if err := h.HandleSignal(context.Background(), events.SignalEvent{Kind: "nfc", Event: "enter"}); !errors.Is(err, model.ErrUnknownKind) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if err := h.HandleSignal(context.Background(), events.SignalEvent{Kind: "wifi", Event: "seen"}); !errors.Is(err, model.ErrInvalidEvent) {
		t.Errorf("invalid event: err = %v", err)
	}

	sink.ingestErr = errors.New("stale")
	if err := h.HandleSignal(context.Background(), events.SignalEvent{Kind: "geo", Event: "enter"}); err == nil {
		t.Error("expected gate rejection to propagate")
	}
	if len(sink.ingests) != 0 || len(roster.Roster(0)) != 0 {
		t.Error("rejected signals must not reach the gate or roster")
	}
}

func TestHandleMessage_DispatchesByTopic(t *testing.T) {
	sink := newFakeSink()
	h := NewHandler(sink, nil, quietLogger())
	ctx := context.Background()

	if err := h.HandleMessage(ctx, events.Message{Topic: "paygate.signal.geo", Data: []byte(`{"event":"dwell"}`)}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := h.HandleMessage(ctx, events.Message{Topic: events.TopicLifecycle, Data: []byte(`{"foreground":true}`)}); err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if err := h.HandleMessage(ctx, events.Message{Topic: events.TopicFeedback, Data: []byte(`{"decision_id":"pp-1","outcome":"actedOn"}`)}); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	if len(sink.ingests) != 1 || sink.ingests[0].kind != model.KindGeo || sink.ingests[0].event != model.EventDwell {
		t.Errorf("unexpected ingests: %+v", sink.ingests)
	}
	if len(sink.fg) != 1 || !sink.fg[0] {
		t.Errorf("unexpected lifecycle calls: %v", sink.fg)
	}
	if sink.feedback["pp-1"] != model.OutcomeActedOn {
		t.Errorf("unexpected feedback: %v", sink.feedback)
	}

	for _, msg := range []events.Message{
		{Topic: "paygate.signal.geo", Data: []byte(`{not json`)},
		{Topic: events.TopicFeedback, Data: []byte(`{"decision_id":"pp-1","outcome":"timeout"}`)},
		{Topic: events.TopicFeedback, Data: []byte(`{"outcome":"shown"}`)},
		{Topic: events.TopicFeedback, Data: []byte(`{"decision_id":"pp-unknown","outcome":"shown"}`)},
		{Topic: "paygate.other", Data: []byte(`{}`)},
	} {
		if err := h.HandleMessage(ctx, msg); err == nil {
			t.Errorf("expected error for %s %s", msg.Topic, msg.Data)
		}
	}
}

func TestReleaseSource_IngestsOffEvent(t *testing.T) {
	sink := newFakeSink()
	roster := presence.New(presence.WithLogger(quietLogger()))
	h := NewHandler(sink, roster, quietLogger())

	h.ReleaseSource(model.KindBeacon, "crashed-scanner")

	if len(sink.ingests) != 1 || sink.ingests[0].kind != model.KindBeacon || sink.ingests[0].event != model.EventLost {
		t.Fatalf("unexpected ingests: %+v", sink.ingests)
	}
	if n := len(roster.Roster(0)); n != 0 {
		t.Errorf("release should not touch the roster, got %d entries", n)
	}
}

func TestReleaseSource_KeepsSourceReaped(t *testing.T) {
	sink := newFakeSink()
	roster := presence.New(presence.WithLogger(quietLogger()))
	h := NewHandler(sink, roster, quietLogger())

	if err := h.HandleSignal(context.Background(), events.SignalEvent{Kind: "beacon", Event: "seen", Source: "scanner-a"}); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	<-sink.calls

	roster.StartReaper(&presence.ReaperConfig{
		DeadThreshold: 10 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
		OnDead:        h.ReleaseSource,
	})
	defer roster.Stop()

	select {
	case <-sink.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never released the silent source")
	}
	roster.Stop()

	sink.mu.Lock()
	last := sink.ingests[len(sink.ingests)-1]
	sink.mu.Unlock()
	if last.kind != model.KindBeacon || last.event != model.EventLost {
		t.Fatalf("unexpected release ingest %+v", last)
	}
	entries := roster.Roster(0)
	if len(entries) != 1 {
		t.Fatalf("expected one roster entry, got %+v", entries)
	}
	e := entries[0]
	if !e.Reaped || e.Active || e.EventCount != 1 {
		t.Errorf("released source should stay reaped with one event, got %+v", e)
	}
}

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestStartSubscriber_ConsumesBus(t *testing.T) {
	url := startTestNATS(t)

	sub, err := events.NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()
	pub, err := events.NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sink := newFakeSink()
	h := NewHandler(sink, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.StartSubscriber(ctx, sub) }()

	// Subscriptions are registered asynchronously; publish until the
	// first message lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	delivered := false
	for !delivered {
		if err := pub.Publish(context.Background(), events.TopicLifecycle, events.LifecycleEvent{Foreground: true}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case <-sink.calls:
			delivered = true
		case <-tick.C:
		case <-deadline:
			t.Fatal("timed out waiting for lifecycle message")
		}
	}

	if err := pub.Publish(context.Background(), events.SignalTopic(model.KindWifi), events.SignalEvent{Event: model.EventAssociated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-sink.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal message")
	}

	// Drain any duplicate lifecycle deliveries from the retry loop.
	for {
		sink.mu.Lock()
		n := len(sink.ingests)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-sink.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("signal never reached the sink")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("StartSubscriber returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartSubscriber did not stop")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.ingests[0].kind != model.KindWifi {
		t.Errorf("unexpected ingest %+v", sink.ingests[0])
	}
}

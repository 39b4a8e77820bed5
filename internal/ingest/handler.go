// Package ingest turns transport-level signal, lifecycle and feedback
// messages into gate calls. The HTTP server and the bus subscriber share one
// Handler so every signal also updates the source roster.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
)

// ErrMissingDecisionID is returned for feedback without a decision id.
var ErrMissingDecisionID = errors.New("decision_id is required")

// Sink is the part of the gate the handler drives.
type Sink interface {
	Ingest(kind model.SignalKind, event model.EventKind, at time.Time) error
	SetForegrounded(fg bool)
	ReportFeedback(id string, outcome model.Outcome) error
}

// Handler validates and dispatches incoming messages.
type Handler struct {
	sink   Sink
	roster *presence.Tracker
	logger *slog.Logger
}

// NewHandler creates a handler. roster may be nil.
func NewHandler(sink Sink, roster *presence.Tracker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sink: sink, roster: roster, logger: logger}
}

// HandleSignal applies one signal event. Kind and event are parsed
// case-insensitively; errors wrap model.ErrUnknownKind,
// model.ErrInvalidEvent or the gate's rejection.
func (h *Handler) HandleSignal(_ context.Context, ev events.SignalEvent) error {
	kind, err := model.ParseSignalKind(string(ev.Kind))
	if err != nil {
		return err
	}
	event := model.EventKind(strings.ToLower(strings.TrimSpace(string(ev.Event))))
	active, err := model.ActiveFor(kind, event)
	if err != nil {
		return err
	}
	if err := h.sink.Ingest(kind, event, ev.At); err != nil {
		return err
	}
	if h.roster != nil {
		h.roster.Record(presence.Report{Kind: kind, Source: ev.Source, Event: event, Active: active})
	}
	return nil
}

// HandleLifecycle records the app's foreground state.
func (h *Handler) HandleLifecycle(_ context.Context, ev events.LifecycleEvent) {
	h.sink.SetForegrounded(ev.Foreground)
}

// HandleFeedback reports the sink's outcome for a decision.
func (h *Handler) HandleFeedback(_ context.Context, ev events.FeedbackEvent) error {
	if ev.DecisionID == "" {
		return ErrMissingDecisionID
	}
	outcome, err := model.ParseOutcome(string(ev.Outcome))
	if err != nil {
		return err
	}
	return h.sink.ReportFeedback(ev.DecisionID, outcome)
}

// ReleaseSource ingests the "off" event for a source the reaper found dead.
// It is the presence.ReaperConfig.OnDead callback. The roster is left alone
// so the source stays marked reaped.
func (h *Handler) ReleaseSource(kind model.SignalKind, source string) {
	if err := h.sink.Ingest(kind, model.OffEvent(kind), time.Time{}); err != nil {
		h.logger.Warn("ingest: release dead source", "kind", kind, "source", source, "err", err)
		return
	}
	h.logger.Info("ingest: released dead source", "kind", kind, "source", source)
}

// HandleMessage decodes a bus message by topic and dispatches it.
func (h *Handler) HandleMessage(ctx context.Context, msg events.Message) error {
	switch {
	case strings.HasPrefix(msg.Topic, events.TopicSignalPrefix):
		var ev events.SignalEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode signal: %w", err)
		}
		if ev.Kind == "" {
			ev.Kind = model.SignalKind(strings.TrimPrefix(msg.Topic, events.TopicSignalPrefix))
		}
		return h.HandleSignal(ctx, ev)
	case msg.Topic == events.TopicLifecycle:
		var ev events.LifecycleEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode lifecycle: %w", err)
		}
		h.HandleLifecycle(ctx, ev)
		return nil
	case msg.Topic == events.TopicFeedback:
		var ev events.FeedbackEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode feedback: %w", err)
		}
		return h.HandleFeedback(ctx, ev)
	}
	return fmt.Errorf("unexpected topic %q", msg.Topic)
}

// StartSubscriber consumes signal, lifecycle and feedback topics from the
// bus. It blocks until ctx is cancelled.
func (h *Handler) StartSubscriber(ctx context.Context, sub events.Subscriber) error {
	topics := []string{events.TopicSignalAll, events.TopicLifecycle, events.TopicFeedback}
	merged := make(chan events.Message, 64)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range topics {
		ch, cancel, err := sub.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("ingest: subscribe: %w", err)
		}
		defer cancel()
		go func() {
			for msg := range ch {
				select {
				case merged <- msg:
				case <-done:
					return
				}
			}
		}()
	}

	h.logger.Info("ingest: subscriber started", "topics", topics)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ingest: subscriber stopping")
			return nil
		case msg := <-merged:
			if err := h.HandleMessage(ctx, msg); err != nil {
				h.logger.Warn("ingest: rejected message", "topic", msg.Topic, "err", err)
			}
		}
	}
}

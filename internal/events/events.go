package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// Event topic constants
const (
	// TopicSignalPrefix is followed by the signal kind, e.g.
	// "paygate.signal.beacon". Sources publish SignalEvent payloads.
	TopicSignalPrefix = "paygate.signal."
	TopicSignalAll    = "paygate.signal.*"

	// TopicLifecycle carries LifecycleEvent from the consuming app.
	TopicLifecycle = "paygate.lifecycle"

	// TopicFeedback carries FeedbackEvent from the Decision Sink.
	TopicFeedback = "paygate.feedback"

	// TopicPromptNotify carries background-route decisions for the
	// notification service.
	TopicPromptNotify = "paygate.prompt.notify"
)

// SignalTopic returns the subject a source of kind publishes on.
func SignalTopic(kind model.SignalKind) string {
	return TopicSignalPrefix + string(kind)
}

// Event types

// SignalEvent is one presence transition reported by a signal source.
// Kind may be omitted when it is implied by the subject.
type SignalEvent struct {
	Kind   model.SignalKind `json:"kind,omitempty"`
	Event  model.EventKind  `json:"event"`
	At     time.Time        `json:"at,omitempty"`
	Source string           `json:"source,omitempty"` // scanner or region identifier
}

type LifecycleEvent struct {
	Foreground bool `json:"foreground"`
}

type FeedbackEvent struct {
	DecisionID string        `json:"decision_id"`
	Outcome    model.Outcome `json:"outcome"`
}

type PromptNotify struct {
	Decision model.TriggerDecision `json:"decision"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// IDPublisher is implemented by publishers that can tag a message with a
// deduplication id.
type IDPublisher interface {
	PublishWithID(ctx context.Context, topic, id string, event any) error
}

// PromptNotifier delivers background-route decisions by publishing them on
// TopicPromptNotify, keyed by decision id when the publisher supports it.
type PromptNotifier struct {
	Publisher Publisher
}

func (n *PromptNotifier) Notify(ctx context.Context, d model.TriggerDecision) error {
	payload := PromptNotify{Decision: d}
	if ip, ok := n.Publisher.(IDPublisher); ok {
		return ip.PublishWithID(ctx, TopicPromptNotify, d.ID, payload)
	}
	return n.Publisher.Publish(ctx, TopicPromptNotify, payload)
}

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/paygate/internal/model"
)

func TestDiscardPublisher(t *testing.T) {
	var _ Publisher = (*DiscardPublisher)(nil)

	pub := &DiscardPublisher{}
	for i := 0; i < 3; i++ {
		if err := pub.Publish(context.Background(), TopicLifecycle, LifecycleEvent{Foreground: true}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := pub.Discarded(); got != 3 {
		t.Fatalf("Discarded = %d, want 3", got)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNATSPublisher_ImplementsPublisher(t *testing.T) {
	var _ Publisher = (*NATSPublisher)(nil)
	var _ IDPublisher = (*NATSPublisher)(nil)
}

// plainPublisher only implements Publisher.
type plainPublisher struct{ topics []string }

func (p *plainPublisher) Publish(_ context.Context, topic string, _ any) error {
	p.topics = append(p.topics, topic)
	return nil
}

func (p *plainPublisher) Close() error { return nil }

func TestPromptNotifier_PlainPublisher(t *testing.T) {
	pub := &plainPublisher{}
	n := &PromptNotifier{Publisher: pub}
	d := model.NewTriggerDecision("pp-x", model.SetOf(model.KindGeo), time.Now(), model.RouteBackground)
	if err := n.Notify(context.Background(), d); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != TopicPromptNotify {
		t.Fatalf("topics = %v", pub.topics)
	}
}

func TestSignalTopic(t *testing.T) {
	if got := SignalTopic(model.KindBeacon); got != "paygate.signal.beacon" {
		t.Errorf("SignalTopic(beacon) = %q", got)
	}
}

func TestSignalEvent_OmitsZeroTime(t *testing.T) {
	data, err := json.Marshal(SignalEvent{Event: model.EventSeen})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["event"] != "seen" {
		t.Errorf("event = %v, want seen", raw["event"])
	}
	if _, ok := raw["kind"]; ok {
		t.Error("empty kind should be omitted")
	}
}

func TestPromptNotifier_PublishesDecision(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	// Subscribe to capture published messages.
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(TopicPromptNotify, ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	at := time.Date(2026, 3, 1, 12, 0, 3, 0, time.UTC)
	d := model.NewTriggerDecision("pp-pub1", model.SetOf(model.KindGeo, model.KindWifi), at, model.RouteBackground)
	notifier := &PromptNotifier{Publisher: pub}
	if err := notifier.Notify(context.Background(), d); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	select {
	case msg := <-ch:
		var got PromptNotify
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Decision.ID != "pp-pub1" || got.Decision.Reason != "geo+wifi" {
			t.Errorf("got decision %+v", got.Decision)
		}
		if !got.Decision.At.Equal(at) {
			t.Errorf("At = %v, want %v", got.Decision.At, at)
		}
		if id := msg.Header.Get(nats.MsgIdHdr); id != "pp-pub1" {
			t.Errorf("%s = %q, want pp-pub1", nats.MsgIdHdr, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, TopicFeedback, FeedbackEvent{DecisionID: "pp-1", Outcome: model.OutcomeShown}); err == nil {
		t.Fatal("expected error publishing with canceled context")
	}
}

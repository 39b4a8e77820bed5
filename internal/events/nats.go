package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const subscriptionBuffer = 64

func connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	nc, err := nats.Connect(url, append([]nats.Option{nats.Name(name)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes JSON payloads on NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := connect(url, "paygate-publisher")
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	return p.PublishWithID(ctx, topic, "", event)
}

// PublishWithID stamps the message with a Nats-Msg-Id header so JetStream
// consumers can drop redeliveries of the same payload. It returns once the
// server has acknowledged the flush.
func (p *NATSPublisher) PublishWithID(ctx context.Context, topic, id string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	if _, ok := ctx.Deadline(); ok {
		err = p.conn.FlushWithContext(ctx)
	} else {
		err = p.conn.Flush()
	}
	if err != nil {
		return fmt.Errorf("flushing %s: %w", topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber fans NATS subjects out to buffered channels. It reconnects
// forever; extra options such as disconnect handlers are appended.
type NATSSubscriber struct {
	conn *nats.Conn

	dropped atomic.Int64
}

func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	base := []nats.Option{nats.MaxReconnects(-1), nats.ReconnectWait(time.Second)}
	nc, err := connect(url, "paygate-subscriber", append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Dropped counts messages discarded because a consumer fell behind.
func (s *NATSSubscriber) Dropped() int64 { return s.dropped.Load() }

// subscription owns one channel. deliver never blocks the NATS dispatch
// goroutine; once closed, late deliveries are ignored.
type subscription struct {
	sub     *nats.Subscription
	ch      chan Message
	dropped *atomic.Int64

	mu     sync.Mutex
	closed bool
}

func (s *subscription) deliver(msg *nats.Msg) {
	m := Message{Topic: msg.Subject, Data: msg.Data}
	if msg.Header != nil {
		m.ID = msg.Header.Get(nats.MsgIdHdr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
		s.dropped.Add(1)
	}
}

func (s *subscription) close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe accepts NATS wildcards such as TopicSignalAll. The subscription
// is registered on the server before Subscribe returns.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan Message, func(), error) {
	sb := &subscription{ch: make(chan Message, subscriptionBuffer), dropped: &s.dropped}

	sub, err := s.conn.Subscribe(topic, sb.deliver)
	if err != nil {
		sb.close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	sb.sub = sub
	if err := s.conn.Flush(); err != nil {
		sb.close()
		return nil, nil, fmt.Errorf("flushing subscription to %s: %w", topic, err)
	}
	return sb.ch, sb.close, nil
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}

package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/ingest"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
	"github.com/alfredjeanlab/paygate/internal/store"
)

// Stream topics broadcast to SSE clients.
const (
	TopicDecisionEmitted = "paygate.decision.emitted"
	TopicFeedback        = "paygate.decision.feedback"
	TopicLifecycle       = "paygate.lifecycle"
	TopicStateCleared    = "paygate.state.cleared"

	// Sent only at stream start and never numbered.
	TopicStateSnapshot = "paygate.state.snapshot"
	TopicStreamGap     = "paygate.stream.gap"
)

// Server exposes a gate over HTTP and gRPC.
type Server struct {
	gate    *gate.Gate
	ingest  *ingest.Handler
	history store.DecisionLog
	roster  *presence.Tracker
	stream  *streamHub
	logger  *slog.Logger

	mu   sync.Mutex
	sub  *gate.Subscription
	done chan struct{}
}

// Options configures a Server. History and Roster may be nil.
type Options struct {
	History store.DecisionLog
	Roster  *presence.Tracker
	Logger  *slog.Logger
}

// New returns a server for g. Signals posted over HTTP go through an
// ingest.Handler sharing the roster with the bus subscriber.
func New(g *gate.Gate, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gate:    g,
		ingest:  ingest.NewHandler(g, opts.Roster, logger),
		history: opts.History,
		roster:  opts.Roster,
		stream:  newStreamHub(replaySize),
		logger:  logger,
	}
}

// Ingest returns the handler shared with the bus subscriber.
func (s *Server) Ingest() *ingest.Handler { return s.ingest }

// Start subscribes to foreground decisions and forwards them to SSE
// clients. Calling Start twice is a no-op.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}
	s.sub = s.gate.Subscribe()
	s.done = make(chan struct{})
	go s.pump(s.sub, s.done)
}

func (s *Server) pump(sub *gate.Subscription, done chan struct{}) {
	defer close(done)
	for d := range sub.C() {
		s.broadcastEvent(TopicDecisionEmitted, d)
	}
}

// Close stops forwarding decisions. The gate itself is not closed.
func (s *Server) Close() {
	s.mu.Lock()
	sub, done := s.sub, s.done
	s.sub, s.done = nil, nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.logger.Warn("server: decision pump did not stop")
	}
}

// broadcastEvent numbers an event and hands it to stream clients.
func (s *Server) broadcastEvent(topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("server: marshal stream event", "topic", topic, "err", err)
		return
	}
	s.stream.publish(topic, payload)
}

// healthStatus is "degraded" once the gate stopped persisting.
func (s *Server) healthStatus() string {
	if s.gate.Degraded() {
		return "degraded"
	}
	return "ok"
}

type feedbackBroadcast struct {
	DecisionID string        `json:"decision_id"`
	Outcome    model.Outcome `json:"outcome"`
}

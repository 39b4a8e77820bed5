// Package client provides a transport-agnostic interface for the paygate
// service and an HTTP/JSON implementation that talks to its REST API.
package client

import (
	"context"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
)

// GateClient is the interface the paygate CLI commands use to talk to a
// running server. It is implemented by HTTPClient.
type GateClient interface {
	// Signals and lifecycle
	PostSignal(ctx context.Context, ev events.SignalEvent) error
	SetForeground(ctx context.Context, foreground bool) error

	// Decisions
	SendFeedback(ctx context.Context, decisionID string, outcome model.Outcome) error
	ListDecisions(ctx context.Context, limit int) ([]*model.DecisionRecord, error)
	StreamDecisions(ctx context.Context, req *StreamRequest, fn func(StreamEvent) error) error

	// State
	GetState(ctx context.Context) (*gate.Snapshot, error)
	ClearState(ctx context.Context) error
	ListSources(ctx context.Context, staleSecs int) ([]presence.Entry, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// StreamRequest holds parameters for StreamDecisions.
type StreamRequest struct {
	Topics      []string // glob patterns; empty means all
	LastEventID string   // resume after this event
}

// StreamEvent is one server-sent event.
type StreamEvent struct {
	ID    string
	Topic string
	Data  []byte
}

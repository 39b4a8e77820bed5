package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// ErrNotFound is returned when no gate record has been persisted yet.
var ErrNotFound = errors.New("not found")

// StateStore persists the singleton gate record.
type StateStore interface {
	// LoadGateState returns ErrNotFound when nothing was saved yet.
	LoadGateState(ctx context.Context) (*model.GateState, error)
	SaveGateState(ctx context.Context, st *model.GateState) error
}

// DecisionLog keeps the history of emitted decisions and their feedback.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d model.TriggerDecision) error
	ResolveDecision(ctx context.Context, id string, outcome model.Outcome, at time.Time) error
	ListDecisions(ctx context.Context, limit int) ([]*model.DecisionRecord, error) // newest first; limit 0 = all
}

// Store is the full persistence interface used by the server.
type Store interface {
	StateStore
	DecisionLog

	// Lifecycle
	Close() error
}

// Transactor is implemented by stores that can run several calls against
// one consistent view. Readers such as the export job use it when present.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error
}

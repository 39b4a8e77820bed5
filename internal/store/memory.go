package store

import (
	"context"
	"sync"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// MemoryStore keeps everything in process memory. It is the fallback when
// neither PAYGATE_DATABASE_URL nor PAYGATE_STATE_PATH is set; state does not
// survive a restart.
type MemoryStore struct {
	mu        sync.Mutex
	state     []byte
	decisions []*model.DecisionRecord
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadGateState(_ context.Context) (*model.GateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNotFound
	}
	return model.DecodeState(m.state)
}

// SaveGateState stores the encoded form so later mutations by the caller
// are not visible.
func (m *MemoryStore) SaveGateState(_ context.Context, st *model.GateState) error {
	data, err := model.EncodeState(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) RecordDecision(_ context.Context, d model.TriggerDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, &model.DecisionRecord{TriggerDecision: d})
	return nil
}

func (m *MemoryStore) ResolveDecision(_ context.Context, id string, outcome model.Outcome, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.decisions {
		if rec.ID == id {
			if rec.Outcome == "" {
				rec.Outcome = outcome
				t := at
				rec.ResolvedAt = &t
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListDecisions(_ context.Context, limit int) ([]*model.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DecisionRecord
	for i := len(m.decisions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *m.decisions[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

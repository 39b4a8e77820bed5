package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// GateStateID is the fixed key of the persisted gate record.
const GateStateID = "gate"

// StateVersion is the schema version written by EncodeState.
const StateVersion = 1

// Phase is the gate-level state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDecided  Phase = "decided"
	PhaseCooldown Phase = "cooldown"
)

// DecisionMark remembers the last emitted decision for duplicate and growth
// checks.
type DecisionMark struct {
	ID      string    `json:"id"`
	Signals SignalSet `json:"signals"`
	At      time.Time `json:"at"`
}

// PendingDecision is an emitted decision still waiting for feedback.
type PendingDecision struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
	Deadline time.Time `json:"deadline"`
}

// GateState is the process-wide, persisted state of the trigger gate.
type GateState struct {
	Version          int                         `json:"version"`
	Signals          map[SignalKind]*SignalState `json:"signals"`
	LastPromptAt     *time.Time                  `json:"last_prompt_at,omitempty"`
	LastPromptReason string                      `json:"last_prompt_reason,omitempty"`
	CooldownUntil    *time.Time                  `json:"cooldown_until,omitempty"`
	LastDecision     *DecisionMark               `json:"last_decision,omitempty"`
	Pending          []PendingDecision           `json:"pending,omitempty"`
}

// NewGateState returns the initial state: all signals inactive, no history.
func NewGateState() *GateState {
	st := &GateState{Version: StateVersion}
	st.fill()
	return st
}

func (st *GateState) fill() {
	if st.Signals == nil {
		st.Signals = make(map[SignalKind]*SignalState, len(Kinds))
	}
	for _, k := range Kinds {
		if st.Signals[k] == nil {
			st.Signals[k] = &SignalState{}
		}
	}
}

// Signal returns the state for kind. Unknown kinds yield nil.
func (st *GateState) Signal(kind SignalKind) *SignalState {
	return st.Signals[kind]
}

// StableSet returns the kinds whose settled value is active.
func (st *GateState) StableSet() SignalSet {
	var s SignalSet
	for _, k := range Kinds {
		if sig := st.Signals[k]; sig != nil && sig.Stable {
			s = s.With(k)
		}
	}
	return s
}

// ActiveSet returns the kinds whose latest value is active, settled or not.
func (st *GateState) ActiveSet() SignalSet {
	var s SignalSet
	for _, k := range Kinds {
		if sig := st.Signals[k]; sig != nil && sig.Active {
			s = s.With(k)
		}
	}
	return s
}

// PhaseAt derives the gate-level phase at now.
func (st *GateState) PhaseAt(now time.Time) Phase {
	if len(st.Pending) > 0 {
		return PhaseDecided
	}
	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		return PhaseCooldown
	}
	return PhaseIdle
}

// FindPending returns the index of the pending decision id, or -1.
func (st *GateState) FindPending(id string) int {
	for i, p := range st.Pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (st *GateState) Clone() *GateState {
	out := &GateState{
		Version:          st.Version,
		Signals:          make(map[SignalKind]*SignalState, len(st.Signals)),
		LastPromptReason: st.LastPromptReason,
		LastPromptAt:     cloneTime(st.LastPromptAt),
		CooldownUntil:    cloneTime(st.CooldownUntil),
	}
	for k, s := range st.Signals {
		cp := *s
		out.Signals[k] = &cp
	}
	if st.LastDecision != nil {
		m := *st.LastDecision
		out.LastDecision = &m
	}
	if len(st.Pending) > 0 {
		out.Pending = append([]PendingDecision(nil), st.Pending...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EncodeState serializes st in the persisted layout.
func EncodeState(st *GateState) ([]byte, error) {
	cp := st.Clone()
	cp.Version = StateVersion
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode gate state: %w", err)
	}
	return data, nil
}

// DecodeState parses a persisted record. Records written by newer schema
// versions are decoded best-effort: unknown fields are dropped and the
// caller can compare the returned Version with StateVersion.
func DecodeState(data []byte) (*GateState, error) {
	var st GateState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode gate state: %w", err)
	}
	if st.Version == 0 {
		st.Version = StateVersion
	}
	for k := range st.Signals {
		if !k.IsValid() {
			delete(st.Signals, k)
		}
	}
	st.fill()
	return &st, nil
}

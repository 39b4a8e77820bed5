package model

import (
	"errors"
	"fmt"
	"time"
)

// Route is the delivery path chosen for a decision.
type Route string

const (
	RouteForeground Route = "foreground"
	RouteBackground Route = "background"
)

// Outcome is the Decision Sink's report about a prompt.
type Outcome string

const (
	OutcomeShown     Outcome = "shown"
	OutcomeDismissed Outcome = "dismissed"
	OutcomeActedOn   Outcome = "acted_on"

	// OutcomeTimeout is recorded when no feedback arrived in time. The gate
	// treats it like OutcomeShown.
	OutcomeTimeout Outcome = "timeout"
)

var ErrInvalidOutcome = errors.New("invalid feedback outcome")

// ParseOutcome accepts the outcomes a sink may report. OutcomeTimeout is
// reserved for the gate itself.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeShown, OutcomeDismissed, OutcomeActedOn:
		return o, nil
	case "actedOn", "acted-on":
		return OutcomeActedOn, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// TriggerDecision is a single prompt opportunity handed to the Decision Sink.
type TriggerDecision struct {
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
	Geo    bool      `json:"geo"`
	Beacon bool      `json:"beacon"`
	Wifi   bool      `json:"wifi"`
	At     time.Time `json:"at"`
	Route  Route     `json:"route"`
}

// NewTriggerDecision snapshots set into a decision.
func NewTriggerDecision(id string, set SignalSet, at time.Time, route Route) TriggerDecision {
	return TriggerDecision{
		ID:     id,
		Reason: set.Reason(),
		Geo:    set.Has(KindGeo),
		Beacon: set.Has(KindBeacon),
		Wifi:   set.Has(KindWifi),
		At:     at,
		Route:  route,
	}
}

// Signals rebuilds the signal set the decision was derived from.
func (d TriggerDecision) Signals() SignalSet {
	var s SignalSet
	if d.Geo {
		s = s.With(KindGeo)
	}
	if d.Beacon {
		s = s.With(KindBeacon)
	}
	if d.Wifi {
		s = s.With(KindWifi)
	}
	return s
}

// DecisionRecord is a decision plus its eventual feedback, as kept in the
// decision history.
type DecisionRecord struct {
	TriggerDecision
	Outcome    Outcome    `json:"outcome,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

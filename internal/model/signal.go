package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignalKind identifies one of the three presence detectors.
type SignalKind string

const (
	KindGeo    SignalKind = "geo"
	KindBeacon SignalKind = "beacon"
	KindWifi   SignalKind = "wifi"
)

// Kinds lists every signal kind in reason order.
var Kinds = []SignalKind{KindGeo, KindBeacon, KindWifi}

// EventKind is a transition reported by a signal source.
type EventKind string

const (
	EventEnter         EventKind = "enter"
	EventExit          EventKind = "exit"
	EventDwell         EventKind = "dwell"
	EventSeen          EventKind = "seen"
	EventLost          EventKind = "lost"
	EventAssociated    EventKind = "associated"
	EventDisassociated EventKind = "disassociated"
)

var (
	ErrUnknownKind  = errors.New("unknown signal kind")
	ErrInvalidEvent = errors.New("event not valid for signal kind")
)

// ParseSignalKind accepts the canonical names case-insensitively.
func ParseSignalKind(s string) (SignalKind, error) {
	k := SignalKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

func (k SignalKind) IsValid() bool {
	switch k {
	case KindGeo, KindBeacon, KindWifi:
		return true
	}
	return false
}

func (k SignalKind) bit() SignalSet {
	switch k {
	case KindGeo:
		return 1 << 0
	case KindBeacon:
		return 1 << 1
	case KindWifi:
		return 1 << 2
	}
	return 0
}

// ActiveFor maps an event to the latched presence value it implies for kind.
func ActiveFor(kind SignalKind, event EventKind) (bool, error) {
	switch kind {
	case KindGeo:
		switch event {
		case EventEnter, EventDwell:
			return true, nil
		case EventExit:
			return false, nil
		}
	case KindBeacon:
		switch event {
		case EventSeen:
			return true, nil
		case EventLost:
			return false, nil
		}
	case KindWifi:
		switch event {
		case EventAssociated:
			return true, nil
		case EventDisassociated:
			return false, nil
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return false, fmt.Errorf("%w: %s/%s", ErrInvalidEvent, kind, event)
}

// OffEvent returns the event that deactivates kind.
func OffEvent(kind SignalKind) EventKind {
	switch kind {
	case KindGeo:
		return EventExit
	case KindBeacon:
		return EventLost
	case KindWifi:
		return EventDisassociated
	}
	return ""
}

// SignalState is the latched presence of one signal kind.
//
// Active follows the most recent event. Stable is the value the policy
// reads; it only catches up with Active after the settle window has
// elapsed since ActiveSince.
type SignalState struct {
	Active        bool      `json:"active"`
	LastChangedAt time.Time `json:"last_changed_at"`
	LastEventKind EventKind `json:"last_event_kind,omitempty"`
	ActiveSince   time.Time `json:"active_since"`
	Stable        bool      `json:"stable"`
}

// Settled reports whether Active has been absorbed into Stable.
func (s *SignalState) Settled() bool {
	return s.Active == s.Stable
}

// SignalSet is a set of signal kinds.
type SignalSet uint8

// SetOf builds a set from kinds, ignoring unknown ones.
func SetOf(kinds ...SignalKind) SignalSet {
	var s SignalSet
	for _, k := range kinds {
		s |= k.bit()
	}
	return s
}

func (s SignalSet) Has(k SignalKind) bool { return k.bit() != 0 && s&k.bit() != 0 }

func (s SignalSet) With(k SignalKind) SignalSet { return s | k.bit() }

func (s SignalSet) Empty() bool { return s == 0 }

// Grew reports whether s is a strict superset of prev.
func (s SignalSet) Grew(prev SignalSet) bool {
	return s != prev && s&prev == prev
}

// Kinds returns the members in reason order.
func (s SignalSet) Kinds() []SignalKind {
	var out []SignalKind
	for _, k := range Kinds {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Reason joins the member names with "+" in reason order, e.g. "geo+wifi".
func (s SignalSet) Reason() string {
	kinds := s.Kinds()
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, "+")
}

func (s SignalSet) String() string {
	if s.Empty() {
		return "none"
	}
	return s.Reason()
}

func (s SignalSet) MarshalText() ([]byte, error) {
	return []byte(s.Reason()), nil
}

func (s *SignalSet) UnmarshalText(b []byte) error {
	var out SignalSet
	for _, part := range strings.Split(string(b), "+") {
		if part == "" {
			continue
		}
		k, err := ParseSignalKind(part)
		if err != nil {
			return err
		}
		out = out.With(k)
	}
	*s = out
	return nil
}

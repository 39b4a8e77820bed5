// Package presence keeps a liveness roster of signal sources.
//
// Every signal event that reaches the gate, over HTTP or the bus, is also
// recorded here under its source (a beacon scanner, a geofence region, a
// Wi-Fi monitor). A background reaper marks sources dead once they go
// silent past a threshold; when a dead source last reported its signal as
// present, OnDead lets the caller release the latched signal so a crashed
// scanner cannot hold a beacon "seen" forever.
package presence

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// Entry is one source as reported by GET /v1/sources.
type Entry struct {
	Source     string           `json:"source"`
	Kind       model.SignalKind `json:"kind"`
	LastSeen   time.Time        `json:"last_seen"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastEvent  model.EventKind  `json:"last_event"`
	Active     bool             `json:"active"`
	IdleSecs   float64          `json:"idle_secs"`
	EventCount int64            `json:"event_count"`
	Reaped     bool             `json:"reaped,omitempty"`
	ReapedAt   time.Time        `json:"reaped_at,omitempty"`
}

// Report is what the tracker keeps from one accepted signal event.
type Report struct {
	Kind   model.SignalKind
	Source string // defaults to the kind name
	Event  model.EventKind
	Active bool
}

// ReaperConfig tunes the dead-source reaper. Zero fields take defaults:
// 15m dead threshold, 30m eviction, 1m sweep.
type ReaperConfig struct {
	DeadThreshold time.Duration
	EvictAfter    time.Duration // after being reaped
	SweepInterval time.Duration

	// OnDead runs outside the lock for each newly dead source whose last
	// event left its signal present.
	OnDead func(kind model.SignalKind, source string)
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	c.DeadThreshold = cmp.Or(c.DeadThreshold, 15*time.Minute)
	c.EvictAfter = cmp.Or(c.EvictAfter, 30*time.Minute)
	c.SweepInterval = cmp.Or(c.SweepInterval, time.Minute)
	return c
}

type sourceID struct {
	kind model.SignalKind
	name string
}

type source struct {
	firstSeen time.Time
	lastSeen  time.Time
	lastEvent model.EventKind
	active    bool
	events    int64
	deadSince time.Time // zero while live
}

func (s *source) dead() bool { return !s.deadSince.IsZero() }

// Tracker is safe for concurrent use.
type Tracker struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	sources map[sourceID]*source

	stop chan struct{}
	done chan struct{}
}

type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.log = l } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func New(opts ...Option) *Tracker {
	t := &Tracker{
		log:     slog.Default(),
		now:     time.Now,
		sources: make(map[sourceID]*source),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record updates the roster from one accepted signal event. A dead source
// that reports again comes back to life.
func (t *Tracker) Record(r Report) {
	if r.Kind == "" {
		return
	}
	id := sourceID{kind: r.Kind, name: cmp.Or(r.Source, string(r.Kind))}
	now := t.now()

	t.mu.Lock()
	s, ok := t.sources[id]
	if !ok {
		s = &source{firstSeen: now}
		t.sources[id] = s
	}
	revived := s.dead()
	s.deadSince = time.Time{}
	s.lastSeen = now
	s.lastEvent = r.Event
	s.active = r.Active
	s.events++
	t.mu.Unlock()

	if revived {
		t.log.Info("presence: source back", "kind", id.kind, "source", id.name)
	}
}

// Roster lists sources newest first. stale > 0 hides sources silent for
// longer than stale.
func (t *Tracker) Roster(stale time.Duration) []Entry {
	now := t.now()
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.sources))
	for id, s := range t.sources {
		idle := now.Sub(s.lastSeen)
		if stale > 0 && idle > stale {
			continue
		}
		entries = append(entries, Entry{
			Source:     id.name,
			Kind:       id.kind,
			LastSeen:   s.lastSeen,
			FirstSeen:  s.firstSeen,
			LastEvent:  s.lastEvent,
			Active:     s.active,
			IdleSecs:   idle.Seconds(),
			EventCount: s.events,
			Reaped:     s.dead(),
			ReapedAt:   s.deadSince,
		})
	}
	t.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
	return entries
}

// StartReaper sweeps on cfg.SweepInterval until Stop.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	var c ReaperConfig
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		tick := time.NewTicker(c.SweepInterval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				t.reap(c)
			}
		}
	}(t.stop, t.done)

	t.log.Info("presence: reaper started", "dead_after", c.DeadThreshold, "sweep", c.SweepInterval)
}

// Stop ends the reaper, if running, and waits for it.
func (t *Tracker) Stop() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop, t.done = nil, nil
}

// reap runs one sweep and fires OnDead for latched sources.
func (t *Tracker) reap(c ReaperConfig) {
	for _, id := range t.sweep(c) {
		t.log.Warn("presence: releasing signal from dead source", "kind", id.kind, "source", id.name)
		if c.OnDead != nil {
			c.OnDead(id.kind, id.name)
		}
	}
}

// sweep marks silent sources dead, evicts long-dead ones, and returns the
// newly dead sources that were still holding their signal on. A kind is
// released at most once per sweep, and not at all while another live
// source still reports it present.
func (t *Tracker) sweep(c ReaperConfig) []sourceID {
	now := t.now()
	var latched []sourceID

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sources {
		switch {
		case s.dead():
			if now.Sub(s.deadSince) > c.EvictAfter {
				delete(t.sources, id)
			}
		case now.Sub(s.lastSeen) > c.DeadThreshold:
			s.deadSince = now
			if s.active {
				latched = append(latched, id)
			}
			s.active = false
			t.log.Info("presence: source dead", "kind", id.kind, "source", id.name, "silent_for", now.Sub(s.lastSeen))
		}
	}

	held := make(map[model.SignalKind]bool)
	for id, s := range t.sources {
		if !s.dead() && s.active {
			held[id.kind] = true
		}
	}
	var release []sourceID
	for _, id := range latched {
		if held[id.kind] {
			t.log.Info("presence: signal still held by a live source", "kind", id.kind, "dead_source", id.name)
			continue
		}
		held[id.kind] = true
		release = append(release, id)
	}
	return release
}

// Package gate fuses geofence, beacon and Wi-Fi presence signals into
// payment prompt decisions.
//
// A Gate owns the process-wide GateState. Every mutation and every policy
// evaluation happens under a single mutex; timers (settle, feedback,
// cooldown) re-acquire it when they fire and carry generation numbers so a
// superseded timer is a no-op. Delivery to subscribers and notifiers always
// happens after the mutex is released.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/paygate/internal/idgen"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/store"
	"github.com/alfredjeanlab/paygate/internal/telemetry"
)

var (
	ErrStaleEvent      = errors.New("event older than current signal state")
	ErrUnknownDecision = errors.New("unknown decision")
	ErrClosed          = errors.New("gate closed")
)

// recentResolvedCap bounds the set of resolved decision IDs remembered for
// idempotent feedback.
const recentResolvedCap = 64

// Options wires the gate to its collaborators. Every field is optional.
type Options struct {
	Store    store.StateStore  // nil keeps state in memory only
	History  store.DecisionLog // nil disables decision history
	Notifier Notifier          // background route; nil drops background decisions
	Clock    Clock
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	NewID    idgen.Func
}

// Snapshot is a point-in-time copy of the gate.
type Snapshot struct {
	State      *model.GateState `json:"state"`
	Phase      model.Phase      `json:"phase"`
	Foreground bool             `json:"foreground"`
	Degraded   bool             `json:"degraded"`
	At         time.Time        `json:"at"`
}

// Gate is the signal-fusion trigger gate. Safe for concurrent use.
type Gate struct {
	cfg      Config
	store    store.StateStore
	history  store.DecisionLog
	notifier Notifier
	clock    Clock
	log      *slog.Logger
	metrics  *telemetry.Metrics
	newID    idgen.Func

	mu         sync.Mutex
	st         *model.GateState
	loaded     bool
	closed     bool
	foreground bool
	degraded   bool

	settle      map[model.SignalKind]Timer
	settleGen   map[model.SignalKind]uint64
	feedback    map[string]Timer
	cooldown    Timer
	cooldownGen uint64

	resolved      map[string]struct{}
	resolvedOrder []string

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	notifyWG sync.WaitGroup
}

// New creates a gate. The persisted state is loaded on first use, or
// explicitly with Load.
func New(cfg Config, opts Options) *Gate {
	cfg.applyDefaults()
	g := &Gate{
		cfg:       cfg,
		store:     opts.Store,
		history:   opts.History,
		notifier:  opts.Notifier,
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		newID:     opts.NewID,
		st:        model.NewGateState(),
		settle:    make(map[model.SignalKind]Timer),
		settleGen: make(map[model.SignalKind]uint64),
		feedback:  make(map[string]Timer),
		resolved:  make(map[string]struct{}),
		subs:      make(map[*Subscription]struct{}),
	}
	if g.clock == nil {
		g.clock = RealClock()
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.newID == nil {
		g.newID = idgen.DecisionID
	}
	return g
}

// Config returns the policy the gate runs with.
func (g *Gate) Config() Config { return g.cfg }

// Load reads the persisted GateState and re-arms any timers it implies.
// Calling Load more than once is a no-op.
func (g *Gate) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return g.loadLocked(ctx)
}

func (g *Gate) loadLocked(ctx context.Context) error {
	if g.loaded {
		return nil
	}
	st := model.NewGateState()
	if g.store != nil {
		loaded, err := g.store.LoadGateState(ctx)
		switch {
		case err == nil:
			st = loaded
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("load gate state: %w", err)
		}
	}
	if st.Version > model.StateVersion {
		g.log.Warn("gate: persisted state has newer version, decoded best-effort",
			"version", st.Version, "known", model.StateVersion)
	}
	g.st = st
	g.loaded = true
	g.rescheduleLocked(g.clock.Now())
	g.log.Info("gate: state loaded",
		"stable", g.st.StableSet().String(),
		"pending", len(g.st.Pending),
		"phase", g.st.PhaseAt(g.clock.Now()))
	return nil
}

// ensureLoadedLocked performs the lazy first-use load. If the store cannot
// be read the gate starts from a fresh state and stops writing, so a
// transient read error never overwrites a good record.
func (g *Gate) ensureLoadedLocked() {
	if g.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()
	if err := g.loadLocked(ctx); err != nil {
		g.log.Warn("gate: load failed, continuing in memory", "err", err)
		g.st = model.NewGateState()
		g.loaded = true
		g.degraded = true
	}
}

// rescheduleLocked re-arms the timers implied by a freshly loaded state.
// Deadlines that passed while the process was down fire immediately.
func (g *Gate) rescheduleLocked(now time.Time) {
	for _, k := range model.Kinds {
		sig := g.st.Signals[k]
		if sig.Settled() {
			continue
		}
		g.armSettleLocked(k, until(now, sig.ActiveSince.Add(g.cfg.SettleWindow)))
	}
	for _, p := range g.st.Pending {
		g.armFeedbackLocked(p.ID, until(now, p.Deadline))
	}
	g.armCooldownLocked(now)
}

func until(now, t time.Time) time.Duration {
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Ingest applies one signal event. A zero at means now.
func (g *Gate) Ingest(kind model.SignalKind, event model.EventKind, at time.Time) error {
	active, err := model.ActiveFor(kind, event)
	if err != nil {
		g.log.Warn("gate: rejected signal", "kind", kind, "event", event, "err", err)
		g.metrics.SignalRejected(context.Background(), kind)
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.ensureLoadedLocked()

	now := g.clock.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	sig := g.st.Signals[kind]
	if at.Before(sig.LastChangedAt) {
		g.mu.Unlock()
		g.log.Warn("gate: rejected stale signal",
			"kind", kind, "event", event, "at", at, "last_changed_at", sig.LastChangedAt)
		g.metrics.SignalRejected(context.Background(), kind)
		return fmt.Errorf("%w: %s/%s at %s", ErrStaleEvent, kind, event, at.Format(time.RFC3339Nano))
	}

	sig.LastChangedAt = at
	sig.LastEventKind = event
	if sig.Active != active {
		sig.Active = active
		sig.ActiveSince = at
		if active == sig.Stable {
			// Flipped back before settling: the flap is absorbed.
			g.cancelSettleLocked(kind)
			g.log.Debug("gate: flap absorbed", "kind", kind, "event", event)
		} else {
			g.armSettleLocked(kind, until(now, at.Add(g.cfg.SettleWindow)))
		}
		g.persistLocked()
	}
	g.mu.Unlock()

	g.metrics.SignalIngested(context.Background(), kind, event)
	return nil
}

func (g *Gate) armSettleLocked(kind model.SignalKind, d time.Duration) {
	g.cancelSettleLocked(kind)
	gen := g.settleGen[kind]
	g.settle[kind] = g.clock.AfterFunc(d, func() { g.onSettle(kind, gen) })
}

func (g *Gate) cancelSettleLocked(kind model.SignalKind) {
	g.settleGen[kind]++
	if t := g.settle[kind]; t != nil {
		t.Stop()
		delete(g.settle, kind)
	}
}

func (g *Gate) onSettle(kind model.SignalKind, gen uint64) {
	g.mu.Lock()
	if g.closed || g.settleGen[kind] != gen {
		g.mu.Unlock()
		return
	}
	delete(g.settle, kind)
	sig := g.st.Signals[kind]
	if sig.Settled() {
		g.mu.Unlock()
		return
	}
	sig.Stable = sig.Active
	g.log.Debug("gate: signal settled", "kind", kind, "active", sig.Stable)

	var out []model.TriggerDecision
	if sig.Stable {
		if d, ok := g.evaluateLocked(g.clock.Now()); ok {
			out = append(out, d)
		}
	}
	// evaluateLocked persists when it emits; the settle itself still needs
	// to be written when it did not.
	if len(out) == 0 {
		g.persistLocked()
	}
	g.mu.Unlock()

	g.deliver(out)
}

// SetForegrounded records whether the consuming app is in the foreground.
// It sets the route of decisions emitted afterwards. Coming to the
// foreground also re-evaluates the stable set, so a presence that settled
// while the app was away can still prompt; cooldown and dedup apply as for
// any other evaluation.
func (g *Gate) SetForegrounded(fg bool) {
	g.mu.Lock()
	changed := g.foreground != fg
	g.foreground = fg
	var out []model.TriggerDecision
	if changed && fg && !g.closed {
		g.ensureLoadedLocked()
		if !g.st.StableSet().Empty() {
			if d, ok := g.evaluateLocked(g.clock.Now()); ok {
				out = append(out, d)
			}
		}
	}
	g.mu.Unlock()
	if changed {
		g.log.Info("gate: lifecycle changed", "foreground", fg)
	}
	g.deliver(out)
}

// Foregrounded reports the current lifecycle flag.
func (g *Gate) Foregrounded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.foreground
}

// Phase returns the gate-level phase.
func (g *Gate) Phase() model.Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLoadedLocked()
	return g.st.PhaseAt(g.clock.Now())
}

// Snapshot returns a deep copy of the gate state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLoadedLocked()
	now := g.clock.Now()
	return Snapshot{
		State:      g.st.Clone(),
		Phase:      g.st.PhaseAt(now),
		Foreground: g.foreground,
		Degraded:   g.degraded,
		At:         now,
	}
}

// Degraded reports whether persistence has been abandoned.
func (g *Gate) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// Reset clears all signals, prompt history and cooldown and cancels every
// timer. Pending decisions are forgotten without feedback.
func (g *Gate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.ensureLoadedLocked()
	g.stopTimersLocked()
	g.st = model.NewGateState()
	g.persistLocked()
	g.log.Info("gate: state cleared")
	return nil
}

func (g *Gate) stopTimersLocked() {
	for _, k := range model.Kinds {
		g.cancelSettleLocked(k)
	}
	for id, t := range g.feedback {
		t.Stop()
		delete(g.feedback, id)
	}
	g.cancelCooldownLocked()
}

// Close stops all timers, closes subscriptions and waits for in-flight
// background notifications.
func (g *Gate) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.stopTimersLocked()
	g.mu.Unlock()

	g.subMu.Lock()
	for s := range g.subs {
		delete(g.subs, s)
		close(s.ch)
	}
	g.subMu.Unlock()

	g.notifyWG.Wait()
	return nil
}

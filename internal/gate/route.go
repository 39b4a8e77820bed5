package gate

import (
	"context"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// subscriptionBuffer is the per-subscriber queue length. A subscriber that
// falls this far behind misses decisions rather than stalling the gate.
const subscriptionBuffer = 16

// Notifier delivers background-route decisions, typically as a system
// notification through the message bus.
type Notifier interface {
	Notify(ctx context.Context, d model.TriggerDecision) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, d model.TriggerDecision) error

func (f NotifierFunc) Notify(ctx context.Context, d model.TriggerDecision) error { return f(ctx, d) }

// Subscription receives foreground-route decisions.
type Subscription struct {
	g  *Gate
	ch chan model.TriggerDecision
}

// Subscribe registers a foreground sink. The channel is closed by
// Subscription.Close or Gate.Close.
func (g *Gate) Subscribe() *Subscription {
	s := &Subscription{g: g, ch: make(chan model.TriggerDecision, subscriptionBuffer)}
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		close(s.ch)
		return s
	}
	g.subs[s] = struct{}{}
	return s
}

// C returns the decision channel.
func (s *Subscription) C() <-chan model.TriggerDecision { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.g.subMu.Lock()
	defer s.g.subMu.Unlock()
	if _, ok := s.g.subs[s]; ok {
		delete(s.g.subs, s)
		close(s.ch)
	}
}

// Subscribers returns the number of registered foreground sinks.
func (g *Gate) Subscribers() int {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	return len(g.subs)
}

// evaluateLocked runs the policy on the stable set and, when it emits,
// records the decision as pending. The returned decision must be handed to
// deliver after the mutex is released.
func (g *Gate) evaluateLocked(now time.Time) (model.TriggerDecision, bool) {
	v := Evaluate(g.cfg, Input{
		Now:           now,
		Active:        g.st.StableSet(),
		Last:          g.st.LastDecision,
		CooldownUntil: g.st.CooldownUntil,
	})
	if !v.Emit {
		g.log.Debug("gate: decision suppressed", "signals", v.Signals.String(), "cause", string(v.Suppressed))
		g.metrics.DecisionSuppressed(context.Background(), string(v.Suppressed))
		return model.TriggerDecision{}, false
	}

	id, err := g.newID()
	if err != nil {
		g.log.Error("gate: decision id", "err", err)
		return model.TriggerDecision{}, false
	}
	route := model.RouteBackground
	if g.foreground {
		route = model.RouteForeground
	}
	d := model.NewTriggerDecision(id, v.Signals, now, route)
	if route == model.RouteBackground && g.notifier != nil {
		// Released by notify. Taken under g.mu so Close cannot be waiting
		// on a zero counter while a delivery is still on its way.
		g.notifyWG.Add(1)
	}

	g.st.LastDecision = &model.DecisionMark{ID: id, Signals: v.Signals, At: now}
	g.st.Pending = append(g.st.Pending, model.PendingDecision{
		ID:       id,
		Reason:   d.Reason,
		At:       now,
		Deadline: now.Add(g.cfg.FeedbackTimeout),
	})
	g.armFeedbackLocked(id, g.cfg.FeedbackTimeout)
	g.persistLocked()
	g.recordLocked(d)

	g.log.Info("gate: decision emitted",
		"id", id, "reason", d.Reason, "route", route, "escalated", v.Escalated)
	g.metrics.DecisionEmitted(context.Background(), d.Reason, route)
	return d, true
}

// deliver hands decisions to exactly one route each. It must be called
// without g.mu held.
func (g *Gate) deliver(ds []model.TriggerDecision) {
	for _, d := range ds {
		switch d.Route {
		case model.RouteForeground:
			g.publish(d)
		default:
			g.notify(d)
		}
	}
}

func (g *Gate) publish(d model.TriggerDecision) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	if len(g.subs) == 0 {
		g.log.Warn("gate: foreground decision with no subscribers", "id", d.ID)
		return
	}
	for s := range g.subs {
		select {
		case s.ch <- d:
		default:
			g.log.Warn("gate: subscriber full, decision dropped", "id", d.ID)
		}
	}
}

// notify runs the notifier for a decision whose notifyWG slot was taken by
// evaluateLocked.
func (g *Gate) notify(d model.TriggerDecision) {
	if g.notifier == nil {
		g.log.Warn("gate: background decision with no notifier", "id", d.ID)
		return
	}
	go func() {
		defer g.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.NotifyTimeout)
		defer cancel()
		if err := g.notifier.Notify(ctx, d); err != nil {
			// No resend: the feedback timeout applies the cooldown.
			g.log.Warn("gate: background notify failed", "id", d.ID, "err", err)
		}
	}()
}

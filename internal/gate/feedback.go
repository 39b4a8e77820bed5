package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// ReportFeedback applies the sink's outcome for a pending decision: the
// cooldown starts now. Feedback for a decision that was already resolved is
// ignored.
func (g *Gate) ReportFeedback(id string, outcome model.Outcome) error {
	switch outcome {
	case model.OutcomeShown, model.OutcomeDismissed, model.OutcomeActedOn:
	default:
		return fmt.Errorf("%w: %q", model.ErrInvalidOutcome, outcome)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.ensureLoadedLocked()

	idx := g.st.FindPending(id)
	if idx < 0 {
		if _, ok := g.resolved[id]; ok {
			g.log.Debug("gate: duplicate feedback ignored", "id", id, "outcome", outcome)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	g.resolveLocked(idx, outcome, g.clock.Now())
	return nil
}

func (g *Gate) resolveLocked(idx int, outcome model.Outcome, now time.Time) {
	p := g.st.Pending[idx]
	g.st.Pending = append(g.st.Pending[:idx], g.st.Pending[idx+1:]...)
	if len(g.st.Pending) == 0 {
		g.st.Pending = nil
	}
	if t := g.feedback[p.ID]; t != nil {
		t.Stop()
		delete(g.feedback, p.ID)
	}

	cooldown := now.Add(g.cfg.CooldownDuration)
	if g.st.CooldownUntil == nil || cooldown.After(*g.st.CooldownUntil) {
		g.st.CooldownUntil = &cooldown
	}
	at := now
	g.st.LastPromptAt = &at
	g.st.LastPromptReason = p.Reason
	g.rememberResolvedLocked(p.ID)
	g.persistLocked()
	g.resolveHistoryLocked(p.ID, outcome, now)
	g.armCooldownLocked(now)

	g.log.Info("gate: feedback applied",
		"id", p.ID, "outcome", outcome, "cooldown_until", g.st.CooldownUntil.Format(time.RFC3339))
	g.metrics.FeedbackApplied(context.Background(), outcome)
}

func (g *Gate) rememberResolvedLocked(id string) {
	if _, ok := g.resolved[id]; ok {
		return
	}
	g.resolved[id] = struct{}{}
	g.resolvedOrder = append(g.resolvedOrder, id)
	if len(g.resolvedOrder) > recentResolvedCap {
		delete(g.resolved, g.resolvedOrder[0])
		g.resolvedOrder = g.resolvedOrder[1:]
	}
}

func (g *Gate) armFeedbackLocked(id string, d time.Duration) {
	if t := g.feedback[id]; t != nil {
		t.Stop()
	}
	g.feedback[id] = g.clock.AfterFunc(d, func() { g.onFeedbackTimeout(id) })
}

func (g *Gate) onFeedbackTimeout(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	idx := g.st.FindPending(id)
	if idx < 0 {
		return
	}
	g.log.Warn("gate: no feedback before timeout, assuming shown", "id", id, "timeout", g.cfg.FeedbackTimeout)
	g.resolveLocked(idx, model.OutcomeTimeout, g.clock.Now())
}

// armCooldownLocked schedules clearing CooldownUntil. Expiry does not
// re-evaluate: a new decision needs a fresh stable change.
func (g *Gate) armCooldownLocked(now time.Time) {
	g.cancelCooldownLocked()
	if g.st.CooldownUntil == nil {
		return
	}
	gen := g.cooldownGen
	g.cooldown = g.clock.AfterFunc(until(now, *g.st.CooldownUntil), func() { g.onCooldownExpired(gen) })
}

func (g *Gate) cancelCooldownLocked() {
	g.cooldownGen++
	if g.cooldown != nil {
		g.cooldown.Stop()
		g.cooldown = nil
	}
}

func (g *Gate) onCooldownExpired(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || gen != g.cooldownGen {
		return
	}
	g.cooldown = nil
	now := g.clock.Now()
	if g.st.CooldownUntil == nil || now.Before(*g.st.CooldownUntil) {
		return
	}
	g.st.CooldownUntil = nil
	g.persistLocked()
	g.log.Info("gate: cooldown expired")
}

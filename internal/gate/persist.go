package gate

import (
	"context"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// persistLocked writes the state synchronously. A failed write is retried
// once; if that fails too the gate keeps running in memory and stops
// writing for the rest of the process lifetime.
func (g *Gate) persistLocked() {
	if g.store == nil || g.degraded {
		return
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
		err = g.store.SaveGateState(ctx, g.st)
		cancel()
		if err == nil {
			return
		}
		g.log.Debug("gate: persist attempt failed", "attempt", attempt+1, "err", err)
	}
	g.degraded = true
	g.log.Warn("gate: persistence failed, continuing in memory", "err", err)
	g.metrics.PersistFailed(context.Background())
}

func (g *Gate) recordLocked(d model.TriggerDecision) {
	if g.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()
	if err := g.history.RecordDecision(ctx, d); err != nil {
		g.log.Warn("gate: record decision", "id", d.ID, "err", err)
	}
}

func (g *Gate) resolveHistoryLocked(id string, outcome model.Outcome, at time.Time) {
	if g.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()
	if err := g.history.ResolveDecision(ctx, id, outcome, at); err != nil {
		g.log.Warn("gate: resolve decision", "id", id, "err", err)
	}
}

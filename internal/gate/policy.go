package gate

import (
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// Suppression names why an evaluation did not emit.
type Suppression string

const (
	SuppressNone      Suppression = ""
	SuppressEmpty     Suppression = "empty"
	SuppressCooldown  Suppression = "cooldown"
	SuppressDuplicate Suppression = "duplicate"
)

// Input is the stable snapshot the policy decides on.
type Input struct {
	Now           time.Time
	Active        model.SignalSet
	Last          *model.DecisionMark
	CooldownUntil *time.Time
}

// Verdict is the outcome of one policy evaluation.
type Verdict struct {
	Emit       bool
	Signals    model.SignalSet
	Reason     string
	Escalated  bool // emitted during cooldown because the set grew
	Suppressed Suppression
}

// Evaluate applies the trigger policy. It has no side effects.
func Evaluate(cfg Config, in Input) Verdict {
	v := Verdict{Signals: in.Active, Reason: in.Active.Reason()}
	if in.Active.Empty() {
		v.Suppressed = SuppressEmpty
		return v
	}

	var prev model.SignalSet
	inCooldown := false
	if in.Last != nil {
		prev = in.Last.Signals
		inCooldown = in.Now.Sub(in.Last.At) < cfg.CooldownDuration
	}
	if in.CooldownUntil != nil && in.Now.Before(*in.CooldownUntil) {
		inCooldown = true
	}

	if inCooldown {
		if !cfg.GrowthOverridesCooldown || !in.Active.Grew(prev) {
			v.Suppressed = SuppressCooldown
			return v
		}
		v.Escalated = true
	}

	if in.Last != nil && in.Active == prev && in.Now.Sub(in.Last.At) < cfg.DedupThreshold {
		v.Suppressed = SuppressDuplicate
		v.Escalated = false
		return v
	}

	v.Emit = true
	return v
}

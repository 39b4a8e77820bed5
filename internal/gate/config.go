package gate

import (
	"errors"
	"time"
)

// Config holds the trigger policy parameters.
type Config struct {
	// SettleWindow is how long a signal must hold a value before the policy
	// sees it. Default: 3 seconds.
	SettleWindow time.Duration

	// CooldownDuration is the minimum interval between decisions absent
	// escalation. Default: 10 minutes.
	CooldownDuration time.Duration

	// FeedbackTimeout is how long to wait for sink feedback before assuming
	// the prompt was shown. Default: 30 seconds.
	FeedbackTimeout time.Duration

	// DedupThreshold suppresses a decision for the same signal set as the
	// previous one within this interval. Default: 1 minute.
	DedupThreshold time.Duration

	// GrowthOverridesCooldown lets a strictly larger active set emit during
	// cooldown. Default: true.
	GrowthOverridesCooldown bool

	// PersistTimeout bounds a single state write. Default: 2 seconds.
	PersistTimeout time.Duration

	// NotifyTimeout bounds a background notification. Default: 5 seconds.
	NotifyTimeout time.Duration
}

// DefaultConfig returns the permissive default policy.
func DefaultConfig() Config {
	return Config{
		SettleWindow:            3 * time.Second,
		CooldownDuration:        10 * time.Minute,
		FeedbackTimeout:         30 * time.Second,
		DedupThreshold:          time.Minute,
		GrowthOverridesCooldown: true,
		PersistTimeout:          2 * time.Second,
		NotifyTimeout:           5 * time.Second,
	}
}

// Validate rejects policies the gate cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SettleWindow <= 0:
		return errors.New("settle window must be positive")
	case c.CooldownDuration <= 0:
		return errors.New("cooldown duration must be positive")
	case c.FeedbackTimeout <= 0:
		return errors.New("feedback timeout must be positive")
	case c.DedupThreshold < 0:
		return errors.New("dedup threshold must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
}

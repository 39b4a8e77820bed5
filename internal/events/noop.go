package events

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DiscardPublisher stands in when no bus is configured. Publications are
// counted and logged at debug level, then dropped.
type DiscardPublisher struct {
	Logger *slog.Logger

	discarded atomic.Int64
}

func (p *DiscardPublisher) Publish(_ context.Context, topic string, _ any) error {
	n := p.discarded.Add(1)
	if p.Logger != nil {
		p.Logger.Debug("events: no bus configured, dropping", "topic", topic, "dropped", n)
	}
	return nil
}

// Discarded reports how many publications were dropped.
func (p *DiscardPublisher) Discarded() int64 { return p.discarded.Load() }

func (p *DiscardPublisher) Close() error { return nil }

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/paygate/internal/store"
)

// Destination receives rendered exports (S3, git, etc.).
type Destination interface {
	Name() string
	Write(ctx context.Context, ex *Export) error
}

// Scheduler exports the store on an interval and pushes the result to each
// destination. A destination only sees a new export once the store content
// has changed since its last successful write.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	mu      sync.Mutex // serializes passes and guards written
	written map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(s store.Store, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		written:      make(map[string]string),
	}
}

// Start runs one pass immediately, then one per tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	_ = s.SyncNow(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.SyncNow(ctx)
		}
	}
}

// SyncNow runs a single pass. Failures are logged and joined into the
// returned error; one failing destination does not stop the others.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, err := BuildExport(ctx, s.store)
	if err != nil {
		s.logger.Error("sync: export failed", "err", err)
		return fmt.Errorf("export: %w", err)
	}

	var errs []error
	pushed := 0
	for _, dest := range s.destinations {
		name := dest.Name()
		if s.written[name] == ex.Digest {
			continue
		}
		if err := dest.Write(ctx, ex); err != nil {
			s.logger.Error("sync: destination write failed", "destination", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		s.written[name] = ex.Digest
		pushed++
	}

	if pushed > 0 {
		s.logger.Info("sync: completed",
			"destinations", pushed,
			"state_version", ex.StateVersion,
			"decisions", ex.DecisionCount,
			"bytes", len(ex.Data))
	} else if len(errs) == 0 {
		s.logger.Debug("sync: unchanged", "state_version", ex.StateVersion)
	}
	return errors.Join(errs...)
}

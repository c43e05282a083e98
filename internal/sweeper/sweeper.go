// Package sweeper periodically evicts stale import strips from the store.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Sweepable is the store surface the sweeper needs.
type Sweepable interface {
	Sweep() []string
}

// Sweeper runs Sweep on a fixed period.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
	log      *slog.Logger
}

// New creates a Sweeper. A non-positive interval falls back to 30 seconds.
func New(target Sweepable, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{target: target, interval: interval, log: log}
}

// Run ticks until ctx is cancelled. It always returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one sweep and returns the number of evicted strips.
func (s *Sweeper) Tick() int {
	removed := s.target.Sweep()
	if len(removed) > 0 {
		s.log.Info("expired strips evicted", "count", len(removed))
	}
	return len(removed)
}

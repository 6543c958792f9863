// Package sweeper reclaims jobs whose lease expired without the holding
// worker settling them, returning them to queued (or dead once attempts
// are exhausted).
package sweeper

import (
	"context"
	"time"

	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// Sweeper periodically calls JobStore.ReclaimExpired.
type Sweeper struct {
	jobs      jobstore.Store
	logger    *log.Logger
	clk       clock.Clock
	interval  time.Duration
	maxPerRun int
}

// New returns a Sweeper that reclaims up to maxPerRun expired leases
// every interval.
func New(jobs jobstore.Store, logger *log.Logger, clk clock.Clock, interval time.Duration, maxPerRun int) *Sweeper {
	return &Sweeper{jobs: jobs, logger: logger, clk: clk, interval: interval, maxPerRun: maxPerRun}
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	reclaimed, err := s.jobs.ReclaimExpired(ctx, s.clk.Now(), s.maxPerRun)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweeper: reclaim expired failed")
		return
	}
	if len(reclaimed) > 0 {
		s.logger.Info().Int("reclaimed", len(reclaimed)).Msg("sweeper: reclaimed expired leases")
	}
}

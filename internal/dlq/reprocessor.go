// Package dlq periodically re-queues dead-lettered jobs once their
// provider's circuit has recovered enough to accept traffic again.
package dlq

import (
	"context"
	"time"

	"github.com/vidforge/core/internal/circuit"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// Reprocessor scans the dead-letter queue and re-queues eligible entries.
type Reprocessor struct {
	jobs             jobstore.Store
	breaker          *circuit.Breaker
	logger           *log.Logger
	clk              clock.Clock
	interval         time.Duration
	minDlqAge        time.Duration
	maxEntriesPerRun int
}

// New returns a Reprocessor that sweeps the DLQ every interval,
// re-queuing up to maxEntriesPerRun entries older than minDlqAge whose
// provider circuit is not open.
func New(jobs jobstore.Store, breaker *circuit.Breaker, logger *log.Logger, clk clock.Clock,
	interval, minDlqAge time.Duration, maxEntriesPerRun int) *Reprocessor {
	return &Reprocessor{
		jobs: jobs, breaker: breaker, logger: logger, clk: clk,
		interval: interval, minDlqAge: minDlqAge, maxEntriesPerRun: maxEntriesPerRun,
	}
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (r *Reprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reprocessor) sweepOnce(ctx context.Context) {
	entries, err := r.jobs.ListDlq(ctx, r.maxEntriesPerRun*4)
	if err != nil {
		r.logger.Error().Err(err).Msg("dlq: list failed")
		return
	}

	now := r.clk.Now()
	requeued := 0
	for _, e := range entries {
		if requeued >= r.maxEntriesPerRun {
			break
		}
		if now.Sub(e.EnqueuedAt) < r.minDlqAge {
			continue
		}
		if r.breaker.Status(e.ProviderKey) == domain.CircuitOpen {
			continue
		}

		active, err := r.jobs.HasActiveJob(ctx, e.JobID)
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", e.JobID).Msg("dlq: active check failed")
			continue
		}
		if active {
			// Already requeued by a prior run or resolved out-of-band;
			// drop the stale entry rather than double-queue it.
			_ = r.jobs.RemoveDlqEntry(ctx, e.JobID)
			continue
		}

		if err := r.jobs.Requeue(ctx, e.JobID); err != nil {
			r.logger.Error().Err(err).Str("job_id", e.JobID).Msg("dlq: requeue failed")
			continue
		}
		if err := r.jobs.RemoveDlqEntry(ctx, e.JobID); err != nil {
			r.logger.Error().Err(err).Str("job_id", e.JobID).Msg("dlq: remove entry failed")
		}
		requeued++
	}

	if requeued > 0 {
		r.logger.Info().Int("requeued", requeued).Msg("dlq: requeued entries")
	}
}

// Package refundsweeper periodically retries reservations whose refund
// write previously failed for a transient reason, using
// github.com/cenkalti/backoff/v4 for the retry cadence the way the rest
// of the pack's retry loops do.
package refundsweeper

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// Sweeper drains ledger.Ledger's refund failure queue on an interval.
type Sweeper struct {
	ledger      ledger.Ledger
	logger      *log.Logger
	clk         clock.Clock
	interval    time.Duration
	maxPerRun   int
	maxAttempts int
}

// New returns a Sweeper that retries refund failures every interval, up
// to maxPerRun per sweep, giving up after maxAttempts.
func New(l ledger.Ledger, logger *log.Logger, clk clock.Clock, interval time.Duration, maxPerRun, maxAttempts int) *Sweeper {
	return &Sweeper{
		ledger:      l,
		logger:      logger,
		clk:         clk,
		interval:    interval,
		maxPerRun:   maxPerRun,
		maxAttempts: maxAttempts,
	}
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
	failures, err := s.ledger.DequeueRefundFailures(ctx, s.maxPerRun)
	if err != nil {
		s.logger.Error().Err(err).Msg("refund sweeper: dequeue failed")
		return
	}

	for _, f := range failures {
		err := s.ledger.Refund(ctx, f.ReservationID, f.Reason)
		if err == nil {
			if rmErr := s.ledger.RemoveRefundFailure(ctx, f.ReservationID); rmErr != nil {
				s.logger.Error().Err(rmErr).Str("reservation_id", f.ReservationID).Msg("refund sweeper: remove after success failed")
			}
			continue
		}

		attempts := f.Attempts + 1
		if attempts >= s.maxAttempts {
			s.logger.Error().Err(err).Str("reservation_id", f.ReservationID).Int("attempts", attempts).
				Msg("refund sweeper: giving up, marking permanently failed")
			if permErr := s.ledger.MarkRefundFailurePermanent(ctx, f.ReservationID); permErr != nil {
				s.logger.Error().Err(permErr).Str("reservation_id", f.ReservationID).Msg("refund sweeper: mark permanent failed")
			}
			continue
		}

		backoffPolicy := backoff.NewExponentialBackOff()
		backoffPolicy.InitialInterval = s.interval
		var delay time.Duration
		for i := 0; i < attempts; i++ {
			delay = backoffPolicy.NextBackOff()
		}
		next := s.clk.Now().Add(delay)
		if rescheduleErr := s.ledger.RescheduleRefundFailure(ctx, f.ReservationID, attempts, next); rescheduleErr != nil {
			s.logger.Error().Err(rescheduleErr).Str("reservation_id", f.ReservationID).Msg("refund sweeper: reschedule failed")
		}
	}
}

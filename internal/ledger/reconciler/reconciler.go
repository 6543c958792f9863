// Package reconciler runs incremental and full passes comparing the
// credit ledger's aggregated reservation state against stored balances,
// flagging drift for operator attention. Both passes back off with
// github.com/cenkalti/backoff/v4 when the store can't make progress.
package reconciler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// DriftAlert describes a detected mismatch between a balance row's
// recorded `reserved` and the sum of its held reservations.
type DriftAlert struct {
	UserID       string
	RecordedVal  int
	ExpectedVal  int
	DetectedAt   time.Time
}

// AlertSink receives drift alerts. The orchestrator wires this to
// whatever operator-visible channel exists (log line, metric, page).
type AlertSink interface {
	Alert(a DriftAlert)
}

// LogSink logs drift alerts via platform/log, the default when no
// dedicated alerting pipeline is wired.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Alert(a DriftAlert) {
	s.Logger.Error().
		Str("user_id", a.UserID).
		Int("recorded_reserved", a.RecordedVal).
		Int("expected_reserved", a.ExpectedVal).
		Msg("reconciler: ledger drift detected")
}

// Reconciler periodically verifies ledger.Ledger's balance rows against
// the reservations that back them.
type Reconciler struct {
	ledger ledger.Ledger
	logger *log.Logger
	clk    clock.Clock
	alerts AlertSink

	incrementalInterval time.Duration
	fullInterval        time.Duration
	incrementalLimit    int
	fullPageSize        int
	maxInterval         time.Duration
	backoffFactor       float64

	watermark time.Time
}

// New returns a Reconciler. alerts may be nil, in which case a LogSink is used.
func New(l ledger.Ledger, logger *log.Logger, clk clock.Clock, alerts AlertSink,
	incrementalInterval, fullInterval time.Duration, incrementalLimit, fullPageSize int,
	maxInterval time.Duration, backoffFactor float64) *Reconciler {
	if alerts == nil {
		alerts = LogSink{Logger: logger}
	}
	return &Reconciler{
		ledger:               l,
		logger:               logger,
		clk:                  clk,
		alerts:               alerts,
		incrementalInterval:  incrementalInterval,
		fullInterval:         fullInterval,
		incrementalLimit:     incrementalLimit,
		fullPageSize:         fullPageSize,
		maxInterval:          maxInterval,
		backoffFactor:        backoffFactor,
		watermark:            clk.Now().Add(-24 * time.Hour),
	}
}

// RunIncremental blocks, running an incremental pass every
// incrementalInterval (backing off on repeated failure), until ctx is
// cancelled.
func (r *Reconciler) RunIncremental(ctx context.Context) {
	r.runLoop(ctx, r.incrementalInterval, r.incrementalPass)
}

// RunFull blocks, running a full pass every fullInterval (backing off on
// repeated failure), until ctx is cancelled.
func (r *Reconciler) RunFull(ctx context.Context) {
	r.runLoop(ctx, r.fullInterval, r.fullPass)
}

func (r *Reconciler) runLoop(ctx context.Context, interval time.Duration, pass func(context.Context) error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.Multiplier = r.backoffFactor
	policy.MaxInterval = r.maxInterval
	policy.MaxElapsedTime = 0 // retry forever, this is a steady-state loop

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := pass(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciler: pass failed, backing off")
				timer.Reset(policy.NextBackOff())
				continue
			}
			policy.Reset()
			timer.Reset(interval)
		}
	}
}

// incrementalPass scans reservations created since the last watermark
// and verifies that committed/refunded reservations are reflected in
// their owner's balance.reserved.
func (r *Reconciler) incrementalPass(ctx context.Context) error {
	reservations, next, err := r.ledger.ScanReservationsCreatedSince(ctx, r.watermark, r.incrementalLimit)
	if err != nil {
		return err
	}

	byUser := make(map[string][]*domain.ReservationEntry)
	for _, res := range reservations {
		byUser[res.UserID] = append(byUser[res.UserID], res)
	}

	for userID := range byUser {
		if err := r.verifyUser(ctx, userID); err != nil {
			return err
		}
	}

	r.watermark = next
	return nil
}

// fullPass pages through all balances and checks every user's reserved
// against the sum of their held reservations; available is not checked.
func (r *Reconciler) fullPass(ctx context.Context) error {
	offset := 0
	for {
		balances, err := r.ledger.ScanAllBalances(ctx, offset, r.fullPageSize)
		if err != nil {
			return err
		}
		if len(balances) == 0 {
			return nil
		}
		for _, b := range balances {
			if err := r.verifyUser(ctx, b.UserID); err != nil {
				return err
			}
		}
		offset += len(balances)
	}
}

func (r *Reconciler) verifyUser(ctx context.Context, userID string) error {
	balance, err := r.ledger.GetBalance(ctx, userID)
	if err != nil {
		return err
	}

	expectedReserved := 0
	offset := 0
	for {
		reservations, err := r.ledger.ScanAllReservations(ctx, offset, r.fullPageSize)
		if err != nil {
			return err
		}
		if len(reservations) == 0 {
			break
		}
		for _, res := range reservations {
			if res.UserID == userID && res.Status == domain.ReservationHeld {
				expectedReserved += res.Amount
			}
		}
		offset += len(reservations)
	}

	if expectedReserved != balance.Reserved {
		r.alerts.Alert(DriftAlert{
			UserID:      userID,
			RecordedVal: balance.Reserved,
			ExpectedVal: expectedReserved,
			DetectedAt:  r.clk.Now(),
		})
	}
	return nil
}

package refundsweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

var _ ledger.Ledger = (*fakeLedger)(nil)

// fakeLedger is a minimal in-memory stand-in exercising only the refund
// failure queue surface the sweeper touches.
type fakeLedger struct {
	refundErr   map[string]error
	refunded    map[string]bool
	queue       []*domain.RefundFailure
	permanent   map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		refundErr: map[string]error{},
		refunded:  map[string]bool{},
		permanent: map[string]bool{},
	}
}

func (f *fakeLedger) Reserve(ctx context.Context, userID string, amount int, requestKey string) (string, error) {
	return "", nil
}
func (f *fakeLedger) Commit(ctx context.Context, reservationID string) error { return nil }

func (f *fakeLedger) Refund(ctx context.Context, reservationID, reason string) error {
	if err, ok := f.refundErr[reservationID]; ok {
		return err
	}
	f.refunded[reservationID] = true
	return nil
}

func (f *fakeLedger) ApplyPayment(ctx context.Context, paymentEventID, userID string, delta int) error {
	return nil
}
func (f *fakeLedger) GetBalance(ctx context.Context, userID string) (*domain.BalanceRow, error) {
	return nil, nil
}
func (f *fakeLedger) GetReservation(ctx context.Context, reservationID string) (*domain.ReservationEntry, error) {
	return nil, nil
}

func (f *fakeLedger) EnqueueRefundFailure(ctx context.Context, reservationID, reason string) error {
	f.queue = append(f.queue, &domain.RefundFailure{ReservationID: reservationID, Reason: reason})
	return nil
}

func (f *fakeLedger) DequeueRefundFailures(ctx context.Context, limit int) ([]*domain.RefundFailure, error) {
	if len(f.queue) > limit {
		return f.queue[:limit], nil
	}
	return f.queue, nil
}

func (f *fakeLedger) MarkRefundFailurePermanent(ctx context.Context, reservationID string) error {
	f.permanent[reservationID] = true
	f.removeFromQueue(reservationID)
	return nil
}

func (f *fakeLedger) RemoveRefundFailure(ctx context.Context, reservationID string) error {
	f.removeFromQueue(reservationID)
	return nil
}

func (f *fakeLedger) removeFromQueue(reservationID string) {
	out := f.queue[:0]
	for _, q := range f.queue {
		if q.ReservationID != reservationID {
			out = append(out, q)
		}
	}
	f.queue = out
}

func (f *fakeLedger) RescheduleRefundFailure(ctx context.Context, reservationID string, attempts int, nextAttemptAt time.Time) error {
	for _, q := range f.queue {
		if q.ReservationID == reservationID {
			q.Attempts = attempts
			q.NextAttemptAt = nextAttemptAt
		}
	}
	return nil
}

func (f *fakeLedger) ScanReservationsCreatedSince(ctx context.Context, cursor time.Time, limit int) ([]*domain.ReservationEntry, time.Time, error) {
	return nil, cursor, nil
}
func (f *fakeLedger) ScanAllReservations(ctx context.Context, offset, pageSize int) ([]*domain.ReservationEntry, error) {
	return nil, nil
}
func (f *fakeLedger) ScanAllBalances(ctx context.Context, offset, pageSize int) ([]*domain.BalanceRow, error) {
	return nil, nil
}

func TestSweepOnce_SuccessfulRetryRemovesFromQueue(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	require.NoError(t, fl.EnqueueRefundFailure(ctx, "res-1", "store unavailable"))

	s := New(fl, log.NewSilent(), clock.New(), time.Second, 10, 5)
	s.sweepOnce(ctx)

	assert.True(t, fl.refunded["res-1"])
	assert.Empty(t, fl.queue)
}

func TestSweepOnce_FailureUnderMaxAttemptsReschedules(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	fl.refundErr["res-1"] = errors.New("still unavailable")
	require.NoError(t, fl.EnqueueRefundFailure(ctx, "res-1", "store unavailable"))

	s := New(fl, log.NewSilent(), clock.New(), time.Second, 10, 5)
	s.sweepOnce(ctx)

	require.Len(t, fl.queue, 1)
	assert.Equal(t, 1, fl.queue[0].Attempts)
	assert.False(t, fl.permanent["res-1"])
}

func TestSweepOnce_FailureAtMaxAttemptsMarksPermanent(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	fl.refundErr["res-1"] = errors.New("still unavailable")
	fl.queue = []*domain.RefundFailure{{ReservationID: "res-1", Reason: "store unavailable", Attempts: 4}}

	s := New(fl, log.NewSilent(), clock.New(), time.Second, 10, 5)
	s.sweepOnce(ctx)

	assert.True(t, fl.permanent["res-1"])
	assert.Empty(t, fl.queue)
}

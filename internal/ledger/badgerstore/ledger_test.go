package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"

	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Logger = nil

	db, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, log.NewSilent(), clock.New(), idgen.New())
}

func TestReserve_DeductsAvailableAndAddsReserved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 100))

	resID, err := s.Reserve(ctx, "u1", 30, "req-1")
	require.NoError(t, err)
	require.NotEmpty(t, resID)

	balance, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 70, balance.Available)
	assert.Equal(t, 30, balance.Reserved)
}

func TestReserve_IdempotentOnRequestKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 100))

	id1, err := s.Reserve(ctx, "u1", 30, "req-1")
	require.NoError(t, err)
	id2, err := s.Reserve(ctx, "u1", 30, "req-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	balance, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 70, balance.Available, "a repeat reserve call must not double-reserve")
}

func TestReserve_FailsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 10))

	_, err := s.Reserve(ctx, "u1", 30, "req-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestCommit_MovesReservedToSpentAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 100))
	resID, err := s.Reserve(ctx, "u1", 30, "req-1")
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, resID))
	require.NoError(t, s.Commit(ctx, resID)) // idempotent

	balance, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 70, balance.Available)
	assert.Equal(t, 0, balance.Reserved)

	res, err := s.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(res.Status))
}

func TestRefund_AppliedTwiceYieldsSameBalance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 100))
	resID, err := s.Reserve(ctx, "u1", 30, "req-1")
	require.NoError(t, err)

	require.NoError(t, s.Refund(ctx, resID, "provider rejected"))
	balanceAfterFirst, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, s.Refund(ctx, resID, "provider rejected")) // idempotent
	balanceAfterSecond, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, balanceAfterFirst.Available, balanceAfterSecond.Available)
	assert.Equal(t, balanceAfterFirst.Reserved, balanceAfterSecond.Reserved)
	assert.Equal(t, 100, balanceAfterSecond.Available)
	assert.Equal(t, 0, balanceAfterSecond.Reserved)
}

func TestApplyPayment_IdempotentOnEventID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ApplyPayment(ctx, "evt-1", "u1", 50))
	require.NoError(t, s.ApplyPayment(ctx, "evt-1", "u1", 50)) // replayed webhook

	balance, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, balance.Available)
}

func TestRefundFailureQueue_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 100))
	resID, err := s.Reserve(ctx, "u1", 30, "req-1")
	require.NoError(t, err)

	require.NoError(t, s.EnqueueRefundFailure(ctx, resID, "store unavailable"))

	pending, err := s.DequeueRefundFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, resID, pending[0].ReservationID)

	require.NoError(t, s.RemoveRefundFailure(ctx, resID))
	pending, err = s.DequeueRefundFailures(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScanReservationsCreatedSince_ReturnsOnlyNewer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ApplyPayment(ctx, "seed-1", "u1", 1000))

	_, err := s.Reserve(ctx, "u1", 10, "req-1")
	require.NoError(t, err)

	cursor := time.Now().Add(time.Hour) // in the future: nothing should be newer
	results, _, err := s.ScanReservationsCreatedSince(ctx, cursor, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	past := time.Now().Add(-time.Hour)
	results, _, err = s.ScanReservationsCreatedSince(ctx, past, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// Package ledger defines the credit ledger contract: atomic reserve,
// commit, and refund against a user's balance, idempotent payment
// application, and the refund failure queue the refund sweeper drains.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/vidforge/core/internal/domain"
)

// ErrInsufficientFunds is returned by Reserve when available < amount.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// ErrReservationNotFound is returned when an operation names a
// reservation id the ledger doesn't have.
var ErrReservationNotFound = errors.New("ledger: reservation not found")

// ErrConflict is returned when a concurrent writer won a compare-and-set
// race on a balance or reservation document; the caller should retry.
var ErrConflict = errors.New("ledger: optimistic concurrency conflict")

// Ledger is the credit ledger contract. Reserve/Commit/Refund/ApplyPayment
// are each idempotent on their respective keys.
type Ledger interface {
	// Reserve holds amount credits against userId, idempotent on
	// requestKey: a repeat call with the same key returns the same
	// reservation id without re-reserving. Fails with
	// ErrInsufficientFunds if available < amount.
	Reserve(ctx context.Context, userID string, amount int, requestKey string) (reservationID string, err error)

	// Commit finalizes a held reservation as spent. No-op if already
	// committed.
	Commit(ctx context.Context, reservationID string) error

	// Refund returns a held reservation's amount to available. No-op if
	// already refunded. On a transient write failure the caller should
	// enqueue the reservation via the ledger's RefundFailureQueue.
	Refund(ctx context.Context, reservationID, reason string) error

	// ApplyPayment adds delta to userId's available balance, idempotent
	// on paymentEventID (e.g. a webhook event id).
	ApplyPayment(ctx context.Context, paymentEventID, userID string, delta int) error

	// GetBalance returns the current balance row for userId.
	GetBalance(ctx context.Context, userID string) (*domain.BalanceRow, error)

	// GetReservation returns a reservation by id.
	GetReservation(ctx context.Context, reservationID string) (*domain.ReservationEntry, error)

	// EnqueueRefundFailure records a reservation whose refund write
	// failed for a transient reason, for later retry by the sweeper.
	EnqueueRefundFailure(ctx context.Context, reservationID, reason string) error

	// DequeueRefundFailures returns up to limit pending refund failures
	// whose NextAttemptAt has passed.
	DequeueRefundFailures(ctx context.Context, limit int) ([]*domain.RefundFailure, error)

	// MarkRefundFailurePermanent marks a reservation's refund as
	// permanently failed after exhausting retries, for operator
	// inspection, and removes it from the retry queue.
	MarkRefundFailurePermanent(ctx context.Context, reservationID string) error

	// RemoveRefundFailure removes a reservation from the retry queue
	// once its refund has succeeded.
	RemoveRefundFailure(ctx context.Context, reservationID string) error

	// RescheduleRefundFailure bumps a refund failure's attempt count and
	// NextAttemptAt after another failed retry.
	RescheduleRefundFailure(ctx context.Context, reservationID string, attempts int, nextAttemptAt time.Time) error

	// ScanReservationsCreatedSince is an incremental, paginated scan
	// used by the incremental reconciler.
	ScanReservationsCreatedSince(ctx context.Context, cursor time.Time, limit int) ([]*domain.ReservationEntry, time.Time, error)

	// ScanAllReservations is a full, paginated scan used by the
	// reconciler's full pass.
	ScanAllReservations(ctx context.Context, offset, pageSize int) ([]*domain.ReservationEntry, error)

	// ScanAllBalances is a full, paginated scan of balance rows used by
	// the reconciler's full pass.
	ScanAllBalances(ctx context.Context, offset, pageSize int) ([]*domain.BalanceRow, error)
}

// Package badgerstore implements ledger.Ledger on top of
// github.com/timshannon/badgerhold/v4 over github.com/dgraph-io/badger/v4,
// following the teacher's Get/Upsert/Find BadgerDB store shape, with every
// read-modify-write serialized by a store-wide mutex standing in for
// compare-and-set (badger is an embedded, single-process store, so the
// race to guard against is concurrent goroutines within this process,
// not concurrent processes).
package badgerstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

const (
	balanceType    = "balance"
	reservationType = "reservation"
	paymentType    = "payment"
	refundFailType = "refund_failure"
)

// idempotencyIndex maps a Reserve requestKey to the reservation id it
// produced, so repeat calls are idempotent without re-scanning reservations.
type idempotencyIndex struct {
	RequestKey    string `badgerhold:"key"`
	ReservationID string
}

// Store implements ledger.Ledger using a shared badgerhold.Store handle.
// The same handle is reused by idempotency/badgerstore and
// assets/fileblob's metadata, each under its own key prefix/type.
type Store struct {
	db     *badgerhold.Store
	logger *log.Logger
	clk    clock.Clock
	ids    idgen.IDGen

	// mu serializes read-modify-write sequences on balance/reservation
	// documents; badger transactions are per-process anyway, so this is
	// the practical equivalent of the spec's CAS for a single-process
	// embedded store.
	mu sync.Mutex
}

// New wraps an open badgerhold.Store as a ledger.Ledger.
func New(db *badgerhold.Store, logger *log.Logger, clk clock.Clock, ids idgen.IDGen) *Store {
	return &Store{db: db, logger: logger, clk: clk, ids: ids}
}

func (s *Store) getBalance(userID string) (*domain.BalanceRow, error) {
	var b domain.BalanceRow
	err := s.db.Get(balanceType+":"+userID, &b)
	if err == badgerhold.ErrNotFound {
		return &domain.BalanceRow{UserID: userID, Available: 0, Reserved: 0, Version: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get balance: %w", err)
	}
	return &b, nil
}

func (s *Store) putBalance(b *domain.BalanceRow) error {
	b.Version++
	if err := s.db.Upsert(balanceType+":"+b.UserID, b); err != nil {
		return fmt.Errorf("ledger: put balance: %w", err)
	}
	return nil
}

func (s *Store) getReservation(reservationID string) (*domain.ReservationEntry, error) {
	var r domain.ReservationEntry
	err := s.db.Get(reservationType+":"+reservationID, &r)
	if err == badgerhold.ErrNotFound {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get reservation: %w", err)
	}
	return &r, nil
}

func (s *Store) putReservation(r *domain.ReservationEntry) error {
	if err := s.db.Upsert(reservationType+":"+r.ID, r); err != nil {
		return fmt.Errorf("ledger: put reservation: %w", err)
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, userID string, amount int, requestKey string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("ledger: reserve amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var idx idempotencyIndex
	err := s.db.Get(requestKey, &idx)
	if err == nil {
		return idx.ReservationID, nil
	}
	if err != badgerhold.ErrNotFound {
		return "", fmt.Errorf("ledger: check reserve idempotency: %w", err)
	}

	balance, err := s.getBalance(userID)
	if err != nil {
		return "", err
	}
	if balance.Available < amount {
		return "", ledger.ErrInsufficientFunds
	}

	balance.Available -= amount
	balance.Reserved += amount
	if err := s.putBalance(balance); err != nil {
		return "", err
	}

	reservationID := s.ids.New()
	now := s.clk.Now()
	r := &domain.ReservationEntry{
		ID:         reservationID,
		UserID:     userID,
		RequestKey: requestKey,
		Amount:     amount,
		Status:     domain.ReservationHeld,
		CreatedAt:  now,
	}
	if err := s.putReservation(r); err != nil {
		return "", err
	}

	if err := s.db.Upsert(requestKey, &idempotencyIndex{RequestKey: requestKey, ReservationID: reservationID}); err != nil {
		return "", fmt.Errorf("ledger: record reserve idempotency: %w", err)
	}
	return reservationID, nil
}

func (s *Store) Commit(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getReservation(reservationID)
	if err != nil {
		return err
	}
	if r.Status == domain.ReservationCommitted {
		return nil
	}
	if r.Status != domain.ReservationHeld {
		return fmt.Errorf("ledger: cannot commit reservation %s in status %s", reservationID, r.Status)
	}

	balance, err := s.getBalance(r.UserID)
	if err != nil {
		return err
	}
	balance.Reserved -= r.Amount
	if err := s.putBalance(balance); err != nil {
		return err
	}

	now := s.clk.Now()
	r.Status = domain.ReservationCommitted
	r.SettledAt = &now
	return s.putReservation(r)
}

func (s *Store) Refund(ctx context.Context, reservationID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getReservation(reservationID)
	if err != nil {
		return err
	}
	if r.Status == domain.ReservationRefunded {
		return nil
	}
	if r.Status != domain.ReservationHeld {
		return fmt.Errorf("ledger: cannot refund reservation %s in status %s", reservationID, r.Status)
	}

	balance, err := s.getBalance(r.UserID)
	if err != nil {
		return err
	}
	balance.Reserved -= r.Amount
	balance.Available += r.Amount
	if err := s.putBalance(balance); err != nil {
		return err
	}

	now := s.clk.Now()
	r.Status = domain.ReservationRefunded
	r.SettledAt = &now
	r.Reason = reason
	return s.putReservation(r)
}

func (s *Store) ApplyPayment(ctx context.Context, paymentEventID, userID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing domain.PaymentEvent
	err := s.db.Get(paymentType+":"+paymentEventID, &existing)
	if err == nil {
		return nil // already applied
	}
	if err != badgerhold.ErrNotFound {
		return fmt.Errorf("ledger: check payment idempotency: %w", err)
	}

	balance, err := s.getBalance(userID)
	if err != nil {
		return err
	}
	balance.Available += delta
	if err := s.putBalance(balance); err != nil {
		return err
	}

	event := domain.PaymentEvent{EventID: paymentEventID, UserID: userID, Delta: delta, AppliedAt: s.clk.Now()}
	if err := s.db.Upsert(paymentType+":"+paymentEventID, &event); err != nil {
		return fmt.Errorf("ledger: record payment: %w", err)
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (*domain.BalanceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBalance(userID)
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*domain.ReservationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getReservation(reservationID)
}

func (s *Store) EnqueueRefundFailure(ctx context.Context, reservationID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	rf := &domain.RefundFailure{
		ReservationID: reservationID,
		Reason:        reason,
		Attempts:      0,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}
	if err := s.db.Upsert(refundFailType+":"+reservationID, rf); err != nil {
		return fmt.Errorf("ledger: enqueue refund failure: %w", err)
	}
	return nil
}

func (s *Store) DequeueRefundFailures(ctx context.Context, limit int) ([]*domain.RefundFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.RefundFailure
	query := badgerhold.Where("NextAttemptAt").Le(s.clk.Now())
	if err := s.db.Find(&all, query); err != nil {
		return nil, fmt.Errorf("ledger: dequeue refund failures: %w", err)
	}
	if len(all) > limit && limit > 0 {
		all = all[:limit]
	}
	out := make([]*domain.RefundFailure, len(all))
	for i := range all {
		out[i] = &all[i]
	}
	return out, nil
}

func (s *Store) MarkRefundFailurePermanent(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(refundFailType+":"+reservationID, domain.RefundFailure{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("ledger: remove refund failure: %w", err)
	}
	r, err := s.getReservation(reservationID)
	if err != nil {
		return err
	}
	r.Status = domain.ReservationFailedRefund
	return s.putReservation(r)
}

func (s *Store) RemoveRefundFailure(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(refundFailType+":"+reservationID, domain.RefundFailure{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("ledger: remove refund failure: %w", err)
	}
	return nil
}

func (s *Store) RescheduleRefundFailure(ctx context.Context, reservationID string, attempts int, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rf domain.RefundFailure
	if err := s.db.Get(refundFailType+":"+reservationID, &rf); err != nil {
		return fmt.Errorf("ledger: reschedule refund failure: %w", err)
	}
	rf.Attempts = attempts
	rf.NextAttemptAt = nextAttemptAt
	if err := s.db.Upsert(refundFailType+":"+reservationID, &rf); err != nil {
		return fmt.Errorf("ledger: reschedule refund failure: %w", err)
	}
	return nil
}

func (s *Store) ScanReservationsCreatedSince(ctx context.Context, cursor time.Time, limit int) ([]*domain.ReservationEntry, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.ReservationEntry
	query := badgerhold.Where("CreatedAt").Gt(cursor).SortBy("CreatedAt").Limit(limit)
	if err := s.db.Find(&all, query); err != nil {
		return nil, cursor, fmt.Errorf("ledger: scan reservations since: %w", err)
	}
	next := cursor
	out := make([]*domain.ReservationEntry, len(all))
	for i := range all {
		out[i] = &all[i]
		if all[i].CreatedAt.After(next) {
			next = all[i].CreatedAt
		}
	}
	return out, next, nil
}

func (s *Store) ScanAllReservations(ctx context.Context, offset, pageSize int) ([]*domain.ReservationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.ReservationEntry
	query := badgerhold.Where("CreatedAt").Ge(time.Time{}).SortBy("CreatedAt").Skip(offset).Limit(pageSize)
	if err := s.db.Find(&all, query); err != nil {
		return nil, fmt.Errorf("ledger: scan all reservations: %w", err)
	}
	out := make([]*domain.ReservationEntry, len(all))
	for i := range all {
		out[i] = &all[i]
	}
	return out, nil
}

func (s *Store) ScanAllBalances(ctx context.Context, offset, pageSize int) ([]*domain.BalanceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.BalanceRow
	query := badgerhold.Where("Version").Ge(0).SortBy("UserID").Skip(offset).Limit(pageSize)
	if err := s.db.Find(&all, query); err != nil {
		return nil, fmt.Errorf("ledger: scan all balances: %w", err)
	}
	out := make([]*domain.BalanceRow, len(all))
	for i := range all {
		out[i] = &all[i]
	}
	return out, nil
}

var _ ledger.Ledger = (*Store)(nil)

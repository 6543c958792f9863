// Package badgerstore implements idempotency.Store over badgerhold, the
// same embedded-document pattern the ledger and asset metadata stores
// use.
package badgerstore

import (
	"context"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/idempotency"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// Store is a badgerhold-backed idempotency.Store. A single mutex
// serializes the read-check-write sequence Acquire needs, the same
// embedded-single-process reasoning used by ledger/badgerstore.
type Store struct {
	db     *badgerhold.Store
	logger *log.Logger
	clk    clock.Clock
	mu     sync.Mutex
}

// New returns a Store backed by db.
func New(db *badgerhold.Store, logger *log.Logger, clk clock.Clock) *Store {
	return &Store{db: db, logger: logger, clk: clk}
}

func (s *Store) get(key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	if err := s.db.Get(key, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Acquire(ctx context.Context, key string, pendingLockTTL time.Duration) (idempotency.Outcome, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()

	existing, err := s.get(key)
	if err != nil {
		return "", nil, err
	}

	if existing != nil && existing.ExpiresAt.After(now) {
		switch existing.State {
		case domain.IdempotencyCommitted:
			return idempotency.OutcomeReplay, existing.Response, nil
		case domain.IdempotencyPending:
			return idempotency.OutcomeBusy, nil, nil
		}
	}

	rec := domain.IdempotencyRecord{
		Key:        key,
		State:      domain.IdempotencyPending,
		AcquiredAt: now,
		ExpiresAt:  now.Add(pendingLockTTL),
	}
	if err := s.db.Upsert(key, &rec); err != nil {
		return "", nil, err
	}
	return idempotency.OutcomePending, nil, nil
}

func (s *Store) Commit(ctx context.Context, key string, response []byte, replayTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(key)
	if err != nil {
		return err
	}
	if existing == nil {
		return idempotency.ErrNotFound
	}

	existing.State = domain.IdempotencyCommitted
	existing.Response = response
	existing.ExpiresAt = s.clk.Now().Add(replayTTL)
	return s.db.Upsert(key, existing)
}

func (s *Store) Abort(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(key, &domain.IdempotencyRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return idempotency.ErrNotFound
		}
		return err
	}
	return nil
}

var _ idempotency.Store = (*Store)(nil)

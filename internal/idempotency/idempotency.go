// Package idempotency implements the pending-lock + response-replay
// pattern that bounds duplicate-submit windows on Orchestrator.Submit.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of Acquire.
type Outcome string

const (
	// OutcomePending means this call won the lock and should proceed
	// with the submit.
	OutcomePending Outcome = "pending"
	// OutcomeReplay means a prior call already committed a response for
	// this key; the caller should return it unchanged.
	OutcomeReplay Outcome = "replay"
	// OutcomeBusy means another call holds the pending lock right now;
	// the caller should reject with a "try again" style error.
	OutcomeBusy Outcome = "busy"
)

// ErrNotFound is returned by Commit/Abort when the key has no pending row.
var ErrNotFound = errors.New("idempotency: key not found")

// Store is the RequestIdempotency contract from spec.md §4.7.
type Store interface {
	// Acquire attempts to start a submit under key. On first call it
	// inserts a pending row with a pendingLockTtl lock. A repeat call
	// while that lock is live returns OutcomeBusy. A repeat call after
	// Commit returns OutcomeReplay with the stored response bytes.
	Acquire(ctx context.Context, key string, pendingLockTTL time.Duration) (Outcome, []byte, error)

	// Commit transitions key to committed, stores response, and extends
	// its TTL to replayTTL.
	Commit(ctx context.Context, key string, response []byte, replayTTL time.Duration) error

	// Abort deletes the pending row for key, used when the submit itself
	// fails before a response exists.
	Abort(ctx context.Context, key string) error
}

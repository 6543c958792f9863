// Package corerr defines the error taxonomy shared by every subsystem: a
// small set of Kinds, a wrapping CoreError, and sentinels for errors.Is
// checks, mirroring the wrap-with-%w style used throughout the teacher's
// storage and client packages.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and response-mapping decisions.
type Kind string

const (
	KindInsufficientFunds Kind = "insufficient_funds"
	KindDuplicateInFlight Kind = "duplicate_in_flight"
	KindInvalidRequest    Kind = "invalid_request"
	KindTransient         Kind = "transient"
	KindTerminal          Kind = "terminal"
	KindLeaseLost         Kind = "lease_lost"
	KindCircuitOpen       Kind = "circuit_open"
	KindAssetUnavailable  Kind = "asset_unavailable"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindNotFound          Kind = "not_found"
)

// Retryable reports whether an operation that failed with this Kind should
// be retried by its caller (as opposed to surfaced to the end user or
// moved straight to a dead letter).
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindLeaseLost, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is checks against a bare Kind, independent of which
// operation produced it.
var (
	ErrInsufficientFunds = errors.New(string(KindInsufficientFunds))
	ErrDuplicateInFlight = errors.New(string(KindDuplicateInFlight))
	ErrInvalidRequest    = errors.New(string(KindInvalidRequest))
	ErrTransient         = errors.New(string(KindTransient))
	ErrTerminal          = errors.New(string(KindTerminal))
	ErrLeaseLost         = errors.New(string(KindLeaseLost))
	ErrCircuitOpen       = errors.New(string(KindCircuitOpen))
	ErrAssetUnavailable  = errors.New(string(KindAssetUnavailable))
	ErrSignatureInvalid  = errors.New(string(KindSignatureInvalid))
	ErrNotFound          = errors.New(string(KindNotFound))
)

var sentinelByKind = map[Kind]error{
	KindInsufficientFunds: ErrInsufficientFunds,
	KindDuplicateInFlight: ErrDuplicateInFlight,
	KindInvalidRequest:    ErrInvalidRequest,
	KindTransient:         ErrTransient,
	KindTerminal:          ErrTerminal,
	KindLeaseLost:         ErrLeaseLost,
	KindCircuitOpen:       ErrCircuitOpen,
	KindAssetUnavailable:  ErrAssetUnavailable,
	KindSignatureInvalid:  ErrSignatureInvalid,
	KindNotFound:          ErrNotFound,
}

// CoreError wraps an underlying error with the operation that produced it
// and the Kind used for retry/response-mapping decisions.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds a CoreError for op, wrapping err if non-nil, or the Kind's
// sentinel if err is nil.
func New(kind Kind, op string, err error) *CoreError {
	if err == nil {
		err = sentinelByKind[kind]
	}
	return &CoreError{Kind: kind, Op: op, Err: err}
}

func (e *CoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, corerr.ErrTransient) match a *CoreError whose Kind
// corresponds to that sentinel, even when Err is a more specific wrapped
// cause.
func (e *CoreError) Is(target error) bool {
	sentinel, ok := sentinelByKind[e.Kind]
	return ok && errors.Is(sentinel, target)
}

// KindOf extracts the Kind from err if it is (or wraps) a *CoreError,
// defaulting to KindTerminal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTerminal
}

// Retryable reports whether err should be retried, per KindOf(err).Retryable.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

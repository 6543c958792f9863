// Package provider defines the unified generate/poll/cancel contract
// that lets Worker dispatch across heterogeneous backend SDKs and HTTP
// APIs without knowing which one it's talking to.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vidforge/core/internal/platform/corerr"
)

// PollStatus is the outcome of a single Poll call.
type PollStatus string

const (
	PollPending PollStatus = "pending"
	PollDone    PollStatus = "done"
	PollFailed  PollStatus = "failed"
)

// PollResult carries a poll outcome. OutputRef is populated only when
// Status is PollDone; Kind and Err only when Status is PollFailed. Kind
// classifies the failure for retry purposes — retryability is a field on
// the result, not an exception subclass — so Worker never has to guess
// from an error string whether a failure is transient or terminal.
// Adapters that can't classify a given failure may leave Kind empty;
// Worker falls back to corerr.KindOf(Err), which defaults to terminal.
type PollResult struct {
	Status    PollStatus
	OutputRef string
	Kind      corerr.Kind
	Err       error
}

// Input is the generation request handed to a provider adapter. Fields
// beyond Prompt are provider-specific and carried as opaque key/value
// pairs so new providers don't require interface changes.
type Input struct {
	ModelKey string
	Prompt   string
	Params   map[string]string
}

// Adapter is the capability set every provider backend implements:
// start a generation, poll for completion, and best-effort cancel.
type Adapter interface {
	// Start begins a generation and returns a provider-assigned job id.
	Start(ctx context.Context, input Input) (providerJobID string, err error)

	// Poll checks a previously started job's status.
	Poll(ctx context.Context, providerJobID string) (PollResult, error)

	// Cancel requests cancellation. Providers that don't support
	// cancellation should return nil; a discarded result on lease loss
	// is an acceptable outcome either way.
	Cancel(ctx context.Context, providerJobID string) error
}

// ErrUnknownProvider is returned by Registry.Get for an unregistered key.
var ErrUnknownProvider = errors.New("provider: unknown provider key")

// Registry maps providerKey to its Adapter, assembled once at process
// start the way the construction graph assembles every other
// collaborator (no package-level singleton).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds providerKey to adapter. Re-registering a key replaces it.
func (r *Registry) Register(providerKey string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[providerKey] = adapter
}

// Get returns the adapter bound to providerKey.
func (r *Registry) Get(providerKey string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[providerKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	return a, nil
}

// Keys returns every registered provider key, for wiring the circuit
// breaker and worker's per-provider semaphores at startup.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	return keys
}

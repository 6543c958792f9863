// Package inline provides an in-process provider.Adapter with no
// external dependency, used by InlineFake in tests and local
// development so the worker pool can be exercised without a real
// backend.
package inline

import (
	"context"
	"fmt"
	"sync"

	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/corerr"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/provider"
)

// Fake completes every job after a fixed number of polls, or fails it
// if FailOn or FailOnWithKind marked it, useful for deterministic worker/orchestrator tests.
type Fake struct {
	mu            sync.Mutex
	clk           clock.Clock
	ids           idgen.IDGen
	pollsToDone   int
	polled        map[string]int
	forceFail     map[string]bool
	forceFailKind map[string]corerr.Kind
	cancelled     map[string]bool
}

// New returns a Fake that completes a job after pollsToDone calls to Poll.
func New(clk clock.Clock, ids idgen.IDGen, pollsToDone int) *Fake {
	return &Fake{
		clk:           clk,
		ids:           ids,
		pollsToDone:   pollsToDone,
		polled:        make(map[string]int),
		forceFail:     make(map[string]bool),
		forceFailKind: make(map[string]corerr.Kind),
		cancelled:     make(map[string]bool),
	}
}

// FailOn marks providerJobID to resolve as a terminal (non-retryable)
// failure on its next poll past pollsToDone, instead of succeeding.
func (f *Fake) FailOn(providerJobID string) {
	f.FailOnWithKind(providerJobID, corerr.KindTerminal)
}

// FailOnWithKind is FailOn with an explicit retry classification, for
// exercising the retryable-vs-terminal settlement paths.
func (f *Fake) FailOnWithKind(providerJobID string, kind corerr.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceFail[providerJobID] = true
	f.forceFailKind[providerJobID] = kind
}

func (f *Fake) Start(ctx context.Context, input provider.Input) (string, error) {
	return f.ids.New(), nil
}

func (f *Fake) Poll(ctx context.Context, providerJobID string) (provider.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancelled[providerJobID] {
		return provider.PollResult{Status: provider.PollFailed, Kind: corerr.KindTerminal, Err: fmt.Errorf("job cancelled")}, nil
	}

	f.polled[providerJobID]++
	if f.polled[providerJobID] < f.pollsToDone {
		return provider.PollResult{Status: provider.PollPending}, nil
	}

	if f.forceFail[providerJobID] {
		return provider.PollResult{Status: provider.PollFailed, Kind: f.forceFailKind[providerJobID], Err: fmt.Errorf("inline fake: forced failure")}, nil
	}

	return provider.PollResult{Status: provider.PollDone, OutputRef: "inline://" + providerJobID}, nil
}

func (f *Fake) Cancel(ctx context.Context, providerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[providerJobID] = true
	return nil
}

var _ provider.Adapter = (*Fake)(nil)

// Package worker implements the lease loop: bounded-concurrency
// execution of leased jobs with strict settlement semantics, grounded
// on the processor-pool shape of the teacher's job manager.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/circuit"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/corerr"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
	"github.com/vidforge/core/internal/provider"
)

// Config tunes a Pool's concurrency and timing.
type Config struct {
	MaxConcurrent            int
	PerProviderMaxConcurrent int
	LeaseDuration            time.Duration
	HeartbeatInterval        time.Duration
	PollInterval             time.Duration
	DrainTimeout             time.Duration
}

// Pool runs Config.MaxConcurrent worker slots, each repeatedly leasing,
// running, and settling one job at a time.
type Pool struct {
	id         string
	jobs       jobstore.Store
	credits    ledger.Ledger
	breaker    *circuit.Breaker
	providers  *provider.Registry
	assetStore assets.Store
	logger     *log.Logger
	clk        clock.Clock
	cfg        Config

	mu           sync.Mutex
	providerSems map[string]chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Pool. id should be unique per worker process (it becomes
// the lease holder identity).
func New(id string, jobs jobstore.Store, credits ledger.Ledger, breaker *circuit.Breaker,
	providers *provider.Registry, assetStore assets.Store, logger *log.Logger, clk clock.Clock, cfg Config) *Pool {
	return &Pool{
		id:           id,
		jobs:         jobs,
		credits:      credits,
		breaker:      breaker,
		providers:    providers,
		assetStore:   assetStore,
		logger:       logger,
		clk:          clk,
		cfg:          cfg,
		providerSems: make(map[string]chan struct{}),
	}
}

func (p *Pool) semFor(providerKey string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.providerSems[providerKey]
	if !ok {
		sem = make(chan struct{}, p.cfg.PerProviderMaxConcurrent)
		p.providerSems[providerKey] = sem
	}
	return sem
}

// filter excludes providers whose circuit is open or whose per-provider
// semaphore is saturated, per spec.md §4.2.
func (p *Pool) filter(j *domain.Job) bool {
	if p.breaker.Status(j.ProviderKey) == domain.CircuitOpen {
		return false
	}
	sem := p.semFor(j.ProviderKey)
	return len(sem) < cap(sem)
}

func (p *Pool) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Str("goroutine", name).Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).Msg("worker: recovered from panic")
			}
		}()
		fn()
	}()
}

// Start launches the worker slots. Call Stop to drain.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		slot := i
		p.safeGo(fmt.Sprintf("slot-%d", slot), func() { p.slotLoop(ctx) })
	}

	p.logger.Info().Int("max_concurrent", p.cfg.MaxConcurrent).Msg("worker: pool started")
}

// Stop stops accepting new leases and waits up to DrainTimeout for
// in-flight slots to finalize before returning. In-flight leases that
// don't finish in time are simply abandoned — the sweeper reclaims them.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Info().Msg("worker: drain timeout exceeded, abandoning in-flight slots")
	}
}

func (p *Pool) slotLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobs.LeaseNext(ctx, p.id, p.cfg.LeaseDuration, p.filter)
		if err != nil {
			p.logger.Error().Err(err).Msg("worker: lease failed")
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.runSlot(ctx, job)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// leaseLost is a thread-safe flag the heartbeat goroutine raises when
// the lease is no longer held, observed by the poll loop.
type leaseLost struct {
	mu   sync.Mutex
	lost bool
}

func (l *leaseLost) set()      { l.mu.Lock(); l.lost = true; l.mu.Unlock() }
func (l *leaseLost) get() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.lost }

func (p *Pool) runSlot(ctx context.Context, job *domain.Job) {
	sem := p.semFor(job.ProviderKey)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	if !p.breaker.Gate(job.ProviderKey) {
		_ = p.jobs.Fail(ctx, job.ID, p.id, "provider circuit open at dispatch", true)
		return
	}

	adapter, err := p.providers.Get(job.ProviderKey)
	if err != nil {
		p.breaker.Record(job.ProviderKey, circuit.Failure)
		_ = p.jobs.Fail(ctx, job.ID, p.id, err.Error(), false)
		return
	}

	lost := &leaseLost{}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	p.safeGo("heartbeat-"+job.ID, func() { p.heartbeatLoop(hbCtx, job, lost) })

	outcome := p.execute(ctx, job, adapter, lost)
	stopHeartbeat()

	p.settle(ctx, job, outcome)
}

func (p *Pool) heartbeatLoop(ctx context.Context, job *domain.Job, lost *leaseLost) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.Heartbeat(ctx, job.ID, p.id, p.cfg.LeaseDuration); err != nil {
				p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: heartbeat failed, lease lost")
				lost.set()
				return
			}
		}
	}
}

type outcomeKind string

const (
	outcomeSuccess outcomeKind = "success"
	// outcomeRetryable is a retryable-kind failure with attempts left.
	// The reservation stays held; JobStore.Fail(retryable=true) just
	// requeues with backoff.
	outcomeRetryable outcomeKind = "retryable"
	// outcomeExhausted is a retryable-kind failure that has used its
	// last attempt. It still calls Fail(retryable=true), but JobStore's
	// own exhaustion check promotes the job to dead and files a DLQ
	// entry instead of requeuing, so it refunds first like a terminal
	// failure.
	outcomeExhausted outcomeKind = "exhausted"
	// outcomeTerminal is a non-retryable-kind failure (content policy
	// rejection, unrecoverable 4xx, cancelled provider job). It refunds
	// and calls Fail(retryable=false); no DLQ entry is ever filed for it.
	outcomeTerminal  outcomeKind = "terminal"
	outcomeLeaseLost outcomeKind = "lease_lost"
	outcomeCancelled outcomeKind = "cancelled"
)

type executionOutcome struct {
	kind      outcomeKind
	outputRef string
	err       error
}

// classifyFailure turns a provider failure into an executionOutcome by its
// corerr.Kind — falling back to corerr.KindOf(err) when kind is empty —
// rather than by attempts count alone. Attempts exhaustion only decides
// whether a retryable-kind failure is requeued or routed to the dead
// letter queue; it never overrides a terminal-kind classification.
func classifyFailure(job *domain.Job, kind corerr.Kind, err error) executionOutcome {
	if kind == "" {
		kind = corerr.KindOf(err)
	}
	if !kind.Retryable() {
		return executionOutcome{kind: outcomeTerminal, err: err}
	}
	if job.Attempts >= job.MaxAttempts {
		return executionOutcome{kind: outcomeExhausted, err: err}
	}
	return executionOutcome{kind: outcomeRetryable, err: err}
}

// execute starts the provider call and polls until done, lease loss, or
// cooperative cancellation, whichever comes first.
func (p *Pool) execute(ctx context.Context, job *domain.Job, adapter provider.Adapter, lost *leaseLost) executionOutcome {
	providerJobID, err := adapter.Start(ctx, provider.Input{ModelKey: job.ModelKey, Prompt: job.InputRef})
	if err != nil {
		p.breaker.Record(job.ProviderKey, circuit.Failure)
		return classifyFailure(job, "", err)
	}

	if err := p.jobs.MarkRunning(ctx, job.ID, p.id, providerJobID); err != nil {
		_ = adapter.Cancel(ctx, providerJobID)
		return executionOutcome{kind: outcomeLeaseLost, err: err}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = adapter.Cancel(context.Background(), providerJobID)
			return executionOutcome{kind: outcomeLeaseLost, err: ctx.Err()}

		case <-ticker.C:
			if lost.get() {
				_ = adapter.Cancel(context.Background(), providerJobID)
				return executionOutcome{kind: outcomeLeaseLost}
			}

			current, err := p.jobs.Get(ctx, job.ID)
			if err == nil && current.CancelRequested {
				_ = adapter.Cancel(ctx, providerJobID)
				return executionOutcome{kind: outcomeCancelled}
			}

			res, err := adapter.Poll(ctx, providerJobID)
			if err != nil {
				p.breaker.Record(job.ProviderKey, circuit.Failure)
				return classifyFailure(job, "", err)
			}

			switch res.Status {
			case provider.PollPending:
				continue
			case provider.PollDone:
				p.breaker.Record(job.ProviderKey, circuit.Success)
				return executionOutcome{kind: outcomeSuccess, outputRef: res.OutputRef}
			case provider.PollFailed:
				p.breaker.Record(job.ProviderKey, circuit.Failure)
				return classifyFailure(job, res.Kind, res.Err)
			}
		}
	}
}

// settle finalizes a job per spec.md §4.2's ordering rules: asset before
// commit, commit before succeed; refund before fail-finalize.
func (p *Pool) settle(ctx context.Context, job *domain.Job, outcome executionOutcome) {
	settleCtx := context.Background()

	switch outcome.kind {
	case outcomeSuccess:
		asset, err := p.assetStore.Put(settleCtx, job.UserID, domain.AssetVideo, []byte(outcome.outputRef), "video/mp4")
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: asset persist failed, retrying")
			_ = p.jobs.Fail(settleCtx, job.ID, p.id, err.Error(), true)
			return
		}
		if err := p.credits.Commit(settleCtx, job.ReservationID); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: commit failed")
		}
		if err := p.jobs.Succeed(settleCtx, job.ID, p.id, asset.ID); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: succeed transition failed")
		}

	case outcomeRetryable:
		msg := ""
		if outcome.err != nil {
			msg = outcome.err.Error()
		}
		if err := p.jobs.Fail(settleCtx, job.ID, p.id, msg, true); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: retryable fail transition failed")
		}

	case outcomeExhausted, outcomeTerminal, outcomeCancelled:
		reason := "cancelled"
		if outcome.err != nil {
			reason = outcome.err.Error()
		}
		if err := p.credits.Refund(settleCtx, job.ReservationID, reason); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: refund failed, enqueuing for retry")
			_ = p.credits.EnqueueRefundFailure(settleCtx, job.ReservationID, reason)
		}
		// outcomeExhausted is a retryable-kind failure out of attempts:
		// pass retryable=true so JobStore's own exhaustion check files a
		// DLQ entry instead of requeuing. Everything else here is a
		// non-retryable-kind failure or a cancellation, neither of which
		// should ever be dead-lettered for automatic reprocessing.
		retryable := outcome.kind == outcomeExhausted
		if err := p.jobs.Fail(settleCtx, job.ID, p.id, reason, retryable); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: terminal fail transition failed")
		}

	case outcomeLeaseLost:
		// Do not settle: the lease is no longer ours. The sweeper will
		// reclaim it once it expires.
		p.logger.Info().Str("job_id", job.ID).Msg("worker: lease lost, abandoning without settling")
	}
}

// ID returns the pool's worker identity, used as the lease holder.
func (p *Pool) ID() string { return p.id }

// NewWorkerID returns a fresh worker identity for Pool construction.
func NewWorkerID(ids idgen.IDGen) string { return "worker-" + ids.New() }

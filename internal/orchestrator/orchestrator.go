// Package orchestrator is the front door to the core: it binds request
// idempotency, the credit ledger, and the job queue into the
// Submit/Status/Cancel/Result/ApplyPayment surface external callers use.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/assets/content"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/idempotency"
	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/corerr"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

// Request is a generation request submitted by a caller.
type Request struct {
	UserID      string
	ProviderKey string
	ModelKey    string
	Prompt      string
	Cost        int
	Params      map[string]string
}

// ResultView is what Result returns: enough to fetch the generated asset
// without a direct storage credential.
type ResultView struct {
	AssetID      string
	ContentToken string
	SignedURL    string
	ExpiresAt    time.Time
}

// Config tunes the orchestrator's TTLs and queue policy.
type Config struct {
	PendingLockTTL   time.Duration
	ReplayTTL        time.Duration
	TokenTTL         time.Duration
	SignedURLTTL     time.Duration
	JobMaxAttempts   int
	StaleOrphanAfter time.Duration
	EventBufferSize  int
}

// Orchestrator binds RequestIdempotency, CreditLedger, JobStore,
// AssetStore, and ContentAccess per spec.md §2's submit control flow.
type Orchestrator struct {
	idem       idempotency.Store
	credits    ledger.Ledger
	jobs       jobstore.Store
	content    *content.Access
	assetStore assets.Store
	logger     *log.Logger
	clk        clock.Clock
	ids        idgen.IDGen
	cfg        Config
	events     chan domain.JobEvent
}

// New returns an Orchestrator.
func New(idem idempotency.Store, credits ledger.Ledger, jobs jobstore.Store, assetStore assets.Store,
	contentAccess *content.Access, logger *log.Logger, clk clock.Clock, ids idgen.IDGen, cfg Config) *Orchestrator {
	return &Orchestrator{
		idem: idem, credits: credits, jobs: jobs, assetStore: assetStore,
		content: contentAccess, logger: logger, clk: clk, ids: ids, cfg: cfg,
		events: make(chan domain.JobEvent, cfg.EventBufferSize),
	}
}

// Start recovers jobs left leased by a worker that died before ever
// heartbeating, per SPEC_FULL.md's supplemented startup recovery pass.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.jobs.ResetOrphaned(ctx, o.clk.Now().Add(-o.cfg.StaleOrphanAfter))
	if err != nil {
		return fmt.Errorf("orchestrator: reset orphaned: %w", err)
	}
	if n > 0 {
		o.logger.Info().Int("reset", n).Msg("orchestrator: reset orphaned jobs at startup")
	}
	return nil
}

// Events returns a channel of job lifecycle events for subscribers that
// want push notification instead of polling Status.
func (o *Orchestrator) Events() <-chan domain.JobEvent { return o.events }

func (o *Orchestrator) emit(evt domain.JobEvent) {
	select {
	case o.events <- evt:
	default:
		o.logger.Error().Str("job_id", evt.Job.ID).Msg("orchestrator: event channel full, dropping event")
	}
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

func canonicalKey(req Request) (string, error) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return req.UserID + ":" + hex.EncodeToString(sum[:]), nil
}

// Submit reserves credits, enqueues the job, and returns its id.
// Idempotent on (userId, request): a duplicate Submit while the first is
// in flight fails with DuplicateInFlight; a duplicate after the first
// committed replays the same jobId.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if req.UserID == "" || req.ProviderKey == "" || req.Cost <= 0 {
		return "", corerr.New(corerr.KindInvalidRequest, "orchestrator.Submit", nil)
	}

	key, err := canonicalKey(req)
	if err != nil {
		return "", corerr.New(corerr.KindInvalidRequest, "orchestrator.Submit", err)
	}

	outcome, response, err := o.idem.Acquire(ctx, key, o.cfg.PendingLockTTL)
	if err != nil {
		return "", fmt.Errorf("orchestrator: acquire idempotency lock: %w", err)
	}
	switch outcome {
	case idempotency.OutcomeBusy:
		return "", corerr.New(corerr.KindDuplicateInFlight, "orchestrator.Submit", nil)
	case idempotency.OutcomeReplay:
		var resp submitResponse
		if err := json.Unmarshal(response, &resp); err != nil {
			return "", fmt.Errorf("orchestrator: decode replayed response: %w", err)
		}
		return resp.JobID, nil
	}

	reservationID, err := o.credits.Reserve(ctx, req.UserID, req.Cost, key)
	if err != nil {
		_ = o.idem.Abort(ctx, key)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return "", corerr.New(corerr.KindInsufficientFunds, "orchestrator.Submit", err)
		}
		return "", fmt.Errorf("orchestrator: reserve credits: %w", err)
	}

	job := &domain.Job{
		ID:               o.ids.New(),
		UserID:           req.UserID,
		ProviderKey:      req.ProviderKey,
		ModelKey:         req.ModelKey,
		InputFingerprint: key,
		InputRef:         req.Prompt,
		ReservationID:    reservationID,
		MaxAttempts:      o.cfg.JobMaxAttempts,
	}
	if err := o.jobs.Enqueue(ctx, job); err != nil {
		if refundErr := o.credits.Refund(ctx, reservationID, "enqueue failed"); refundErr != nil {
			_ = o.credits.EnqueueRefundFailure(ctx, reservationID, "enqueue failed")
		}
		_ = o.idem.Abort(ctx, key)
		return "", fmt.Errorf("orchestrator: enqueue job: %w", err)
	}

	o.emit(domain.JobEvent{Type: domain.JobEventQueued, Job: *job, Timestamp: o.clk.Now()})

	resp, err := json.Marshal(submitResponse{JobID: job.ID})
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode response: %w", err)
	}
	if err := o.idem.Commit(ctx, key, resp, o.cfg.ReplayTTL); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("orchestrator: idempotency commit failed after enqueue")
	}

	return job.ID, nil
}

// VisibleState collapses internal job states per spec.md §7: dead maps
// to failed with a distinguishing reason.
type VisibleState string

const (
	VisibleQueued    VisibleState = "queued"
	VisibleRunning   VisibleState = "running"
	VisibleSucceeded VisibleState = "succeeded"
	VisibleFailed    VisibleState = "failed"
	VisibleCancelled VisibleState = "cancelled"
)

func collapse(j *domain.Job) VisibleState {
	switch j.State {
	case domain.JobQueued, domain.JobLeased:
		return VisibleQueued
	case domain.JobRunning:
		return VisibleRunning
	case domain.JobSucceeded:
		return VisibleSucceeded
	case domain.JobDead:
		return VisibleFailed
	case domain.JobFailed:
		if j.CancelRequested {
			return VisibleCancelled
		}
		return VisibleFailed
	default:
		return VisibleFailed
	}
}

// StatusView is the user-facing projection of a Job.
type StatusView struct {
	JobID         string
	State         VisibleState
	Attempts      int
	ProviderKey   string
	Error         string
	ResultAssetID string
}

// Status returns the current collapsed state of jobID.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*StatusView, error) {
	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, corerr.New(corerr.KindNotFound, "orchestrator.Status", err)
		}
		return nil, fmt.Errorf("orchestrator: get job: %w", err)
	}
	return &StatusView{
		JobID: j.ID, State: collapse(j), Attempts: j.Attempts,
		ProviderKey: j.ProviderKey, Error: j.Error, ResultAssetID: j.ResultAssetID,
	}, nil
}

// Cancel flags jobID for cooperative cancellation. The worker observes
// the flag on its next heartbeat or poll and settles as a refund.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	if err := o.jobs.RequestCancel(ctx, jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return corerr.New(corerr.KindNotFound, "orchestrator.Cancel", err)
		}
		return fmt.Errorf("orchestrator: request cancel: %w", err)
	}
	return nil
}

// Result returns a signed content token (and, when the backend supports
// it, a presigned URL) for a succeeded job's output asset.
func (o *Orchestrator) Result(ctx context.Context, jobID string) (*ResultView, error) {
	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, corerr.New(corerr.KindNotFound, "orchestrator.Result", err)
		}
		return nil, fmt.Errorf("orchestrator: get job: %w", err)
	}
	if j.State != domain.JobSucceeded || j.ResultAssetID == "" {
		return nil, corerr.New(corerr.KindAssetUnavailable, "orchestrator.Result", nil)
	}

	token, err := o.content.IssueToken(j.ResultAssetID, j.UserID, o.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: issue content token: %w", err)
	}

	expiresAt := o.clk.Now().Add(o.cfg.TokenTTL)
	view := &ResultView{AssetID: j.ResultAssetID, ContentToken: token, ExpiresAt: expiresAt}

	if signedURL, err := o.assetStore.SignedURL(ctx, j.ResultAssetID, o.cfg.SignedURLTTL); err == nil {
		view.SignedURL = signedURL
	}

	return view, nil
}

// ApplyPayment credits userId's balance, idempotent on eventID.
func (o *Orchestrator) ApplyPayment(ctx context.Context, eventID, userID string, delta int) error {
	if err := o.credits.ApplyPayment(ctx, eventID, userID, delta); err != nil {
		return fmt.Errorf("orchestrator: apply payment: %w", err)
	}
	return nil
}

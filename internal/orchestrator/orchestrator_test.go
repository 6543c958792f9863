package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/assets/content"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/idempotency"
	"github.com/vidforge/core/internal/jobstore"
	"github.com/vidforge/core/internal/jobstore/memstore"
	"github.com/vidforge/core/internal/ledger"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/corerr"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

// fakeIdem is a minimal in-memory idempotency.Store for orchestrator tests.
type fakeIdem struct {
	pending   map[string]bool
	committed map[string][]byte
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{pending: map[string]bool{}, committed: map[string][]byte{}}
}

func (f *fakeIdem) Acquire(ctx context.Context, key string, ttl time.Duration) (idempotency.Outcome, []byte, error) {
	if resp, ok := f.committed[key]; ok {
		return idempotency.OutcomeReplay, resp, nil
	}
	if f.pending[key] {
		return idempotency.OutcomeBusy, nil, nil
	}
	f.pending[key] = true
	return idempotency.OutcomePending, nil, nil
}
func (f *fakeIdem) Commit(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	delete(f.pending, key)
	f.committed[key] = response
	return nil
}
func (f *fakeIdem) Abort(ctx context.Context, key string) error {
	delete(f.pending, key)
	return nil
}

var _ idempotency.Store = (*fakeIdem)(nil)

// fakeLedger tracks a single balance for insufficient-funds testing.
type fakeLedger struct {
	available    int
	reservations map[string]*domain.ReservationEntry
	ids          idgen.IDGen
}

func newFakeLedger(ids idgen.IDGen, available int) *fakeLedger {
	return &fakeLedger{available: available, reservations: map[string]*domain.ReservationEntry{}, ids: ids}
}

func (f *fakeLedger) Reserve(ctx context.Context, userID string, amount int, requestKey string) (string, error) {
	for _, r := range f.reservations {
		if r.RequestKey == requestKey {
			return r.ID, nil
		}
	}
	if amount > f.available {
		return "", ledger.ErrInsufficientFunds
	}
	f.available -= amount
	id := f.ids.New()
	f.reservations[id] = &domain.ReservationEntry{ID: id, UserID: userID, Amount: amount, RequestKey: requestKey, Status: domain.ReservationHeld}
	return id, nil
}
func (f *fakeLedger) Commit(ctx context.Context, reservationID string) error { return nil }
func (f *fakeLedger) Refund(ctx context.Context, reservationID, reason string) error {
	if r, ok := f.reservations[reservationID]; ok {
		f.available += r.Amount
	}
	return nil
}
func (f *fakeLedger) ApplyPayment(ctx context.Context, paymentEventID, userID string, delta int) error {
	f.available += delta
	return nil
}
func (f *fakeLedger) GetBalance(ctx context.Context, userID string) (*domain.BalanceRow, error) {
	return &domain.BalanceRow{UserID: userID, Available: f.available}, nil
}
func (f *fakeLedger) GetReservation(ctx context.Context, reservationID string) (*domain.ReservationEntry, error) {
	return f.reservations[reservationID], nil
}
func (f *fakeLedger) EnqueueRefundFailure(ctx context.Context, reservationID, reason string) error {
	return nil
}
func (f *fakeLedger) DequeueRefundFailures(ctx context.Context, limit int) ([]*domain.RefundFailure, error) {
	return nil, nil
}
func (f *fakeLedger) MarkRefundFailurePermanent(ctx context.Context, reservationID string) error {
	return nil
}
func (f *fakeLedger) RemoveRefundFailure(ctx context.Context, reservationID string) error { return nil }
func (f *fakeLedger) RescheduleRefundFailure(ctx context.Context, reservationID string, attempts int, nextAttemptAt time.Time) error {
	return nil
}
func (f *fakeLedger) ScanReservationsCreatedSince(ctx context.Context, cursor time.Time, limit int) ([]*domain.ReservationEntry, time.Time, error) {
	return nil, cursor, nil
}
func (f *fakeLedger) ScanAllReservations(ctx context.Context, offset, pageSize int) ([]*domain.ReservationEntry, error) {
	return nil, nil
}
func (f *fakeLedger) ScanAllBalances(ctx context.Context, offset, pageSize int) ([]*domain.BalanceRow, error) {
	return nil, nil
}

var _ ledger.Ledger = (*fakeLedger)(nil)

type stubAssetStore struct{}

func (stubAssetStore) Put(ctx context.Context, ownerID string, kind domain.AssetKind, data []byte, contentType string) (*domain.Asset, error) {
	return nil, nil
}
func (stubAssetStore) PutReader(ctx context.Context, ownerID string, kind domain.AssetKind, r io.Reader, size int64, contentType string) (*domain.Asset, error) {
	return nil, nil
}
func (stubAssetStore) Get(ctx context.Context, assetID string) ([]byte, error) { return nil, nil }
func (stubAssetStore) GetReader(ctx context.Context, assetID string) (io.ReadCloser, error) {
	return nil, nil
}
func (stubAssetStore) Metadata(ctx context.Context, assetID string) (*domain.Asset, error) {
	return nil, nil
}
func (stubAssetStore) SetRetention(ctx context.Context, assetID string, retainUntil *time.Time) error {
	return nil
}
func (stubAssetStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return 0, nil
}
func (stubAssetStore) SignedURL(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	return "", errors.New("unsupported")
}

var _ assets.Store = stubAssetStore{}

func testOrchestrator(t *testing.T, available int) (*Orchestrator, *fakeLedger, jobstore.Store) {
	t.Helper()
	clk := clock.New()
	ids := idgen.NewSequential("id")
	jobs := memstore.New(clk, ids, time.Millisecond, time.Second)
	credits := newFakeLedger(ids, available)
	idem := newFakeIdem()
	access := content.New([]byte("secret"), clk)

	o := New(idem, credits, jobs, stubAssetStore{}, access, log.NewSilent(), clk, ids, Config{
		PendingLockTTL:   time.Minute,
		ReplayTTL:        time.Hour,
		TokenTTL:         time.Minute,
		SignedURLTTL:     time.Minute,
		JobMaxAttempts:   3,
		StaleOrphanAfter: time.Hour,
		EventBufferSize:  8,
	})
	return o, credits, jobs
}

func TestSubmit_HappyPathReservesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	o, credits, jobs := testOrchestrator(t, 100)

	jobID, err := o.Submit(ctx, Request{UserID: "user-1", ProviderKey: "primary", ModelKey: "veo-3", Prompt: "a cat", Cost: 30})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, 70, credits.available)

	j, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.State)
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	o, _, _ := testOrchestrator(t, 10)

	_, err := o.Submit(ctx, Request{UserID: "user-1", ProviderKey: "primary", ModelKey: "veo-3", Prompt: "a cat", Cost: 30})
	require.Error(t, err)
	assert.Equal(t, corerr.KindInsufficientFunds, corerr.KindOf(err))
}

func TestSubmit_DuplicateWhilePendingReturnsBusy(t *testing.T) {
	ctx := context.Background()
	o, _, _ := testOrchestrator(t, 100)

	req := Request{UserID: "user-1", ProviderKey: "primary", ModelKey: "veo-3", Prompt: "a cat", Cost: 30}
	key, err := canonicalKey(req)
	require.NoError(t, err)
	_, _, err = o.idem.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = o.Submit(ctx, req)
	require.Error(t, err)
	assert.Equal(t, corerr.KindDuplicateInFlight, corerr.KindOf(err))
}

func TestSubmit_ReplaysAfterCommit(t *testing.T) {
	ctx := context.Background()
	o, _, _ := testOrchestrator(t, 100)

	req := Request{UserID: "user-1", ProviderKey: "primary", ModelKey: "veo-3", Prompt: "a cat", Cost: 30}
	jobID, err := o.Submit(ctx, req)
	require.NoError(t, err)

	replayedID, err := o.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobID, replayedID)
}

func TestStatus_CollapsesDeadToFailed(t *testing.T) {
	ctx := context.Background()
	o, _, jobs := testOrchestrator(t, 100)

	require.NoError(t, jobs.Enqueue(ctx, &domain.Job{ID: "job-1", MaxAttempts: 1}))
	_, err := jobs.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, jobs.Fail(ctx, "job-1", "worker-1", "provider unavailable", true))

	view, err := o.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, VisibleFailed, view.State)
}

func TestResult_FailsWhenJobNotSucceeded(t *testing.T) {
	ctx := context.Background()
	o, _, jobs := testOrchestrator(t, 100)

	require.NoError(t, jobs.Enqueue(ctx, &domain.Job{ID: "job-1", MaxAttempts: 1}))

	_, err := o.Result(ctx, "job-1")
	require.Error(t, err)
	assert.Equal(t, corerr.KindAssetUnavailable, corerr.KindOf(err))
}

func TestResult_IssuesTokenWhenSucceeded(t *testing.T) {
	ctx := context.Background()
	o, _, jobs := testOrchestrator(t, 100)

	require.NoError(t, jobs.Enqueue(ctx, &domain.Job{ID: "job-1", UserID: "user-1", MaxAttempts: 1}))
	_, err := jobs.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, jobs.Succeed(ctx, "job-1", "worker-1", "asset-1"))

	view, err := o.Result(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "asset-1", view.AssetID)
	assert.NotEmpty(t, view.ContentToken)

	assetID, ownerID, err := o.content.Verify(view.ContentToken)
	require.NoError(t, err)
	assert.Equal(t, "asset-1", assetID)
	assert.Equal(t, "user-1", ownerID)
}

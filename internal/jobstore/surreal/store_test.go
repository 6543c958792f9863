package surreal_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/jobstore/surreal"
	"github.com/vidforge/core/internal/platform/log"
	"github.com/vidforge/core/internal/testsupport"
)

func newTestStore(t *testing.T) *surreal.Store {
	t.Helper()
	container := testsupport.StartSurrealDB(t)

	db, err := surreal.Connect(context.Background(), container.Address(), "root", "root", "forge_test", "core")
	require.NoError(t, err)

	return surreal.New(db, log.NewSilent(), 2*time.Second, 5*time.Minute)
}

func TestSurrealStore_EnqueueAndLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &domain.Job{
		ID:          uuid.NewString(),
		UserID:      "user-1",
		ProviderKey: "draft-fast",
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.Enqueue(ctx, job))

	leased, err := store.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, domain.JobLeased, leased.State)
	require.Equal(t, 1, leased.Attempts)

	again, err := store.LeaseNext(ctx, "worker-2", time.Minute, nil)
	require.NoError(t, err)
	require.Nil(t, again, "an actively-leased job must not be leased twice")
}

func TestSurrealStore_SucceedRequiresLeaseHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &domain.Job{ID: uuid.NewString(), UserID: "user-1", MaxAttempts: 3, CreatedAt: time.Now()}
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)

	require.Error(t, store.Succeed(ctx, job.ID, "worker-2", "asset-1"))
	require.NoError(t, store.Succeed(ctx, job.ID, "worker-1", "asset-1"))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.State)
	require.Equal(t, "asset-1", got.ResultAssetID)
}

func TestSurrealStore_ReclaimExpiredRequeues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &domain.Job{ID: uuid.NewString(), UserID: "user-1", MaxAttempts: 3, CreatedAt: time.Now()}
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.LeaseNext(ctx, "worker-1", 10*time.Millisecond, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	reclaimed, err := store.ReclaimExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, domain.JobQueued, reclaimed[0].State)
}

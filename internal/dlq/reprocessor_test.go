package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/circuit"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/jobstore/memstore"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

func deadJob(t *testing.T, ctx context.Context, jobs *memstore.Store, id, providerKey string) {
	t.Helper()
	require.NoError(t, jobs.Enqueue(ctx, &domain.Job{ID: id, ProviderKey: providerKey, MaxAttempts: 1}))
	job, err := jobs.LeaseNext(ctx, "worker-1", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, jobs.Fail(ctx, id, "worker-1", "provider unavailable", true))
}

func TestSweepOnce_RequeuesAgedEntryWhenCircuitClosed(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	jobs := memstore.New(clk, idgen.NewSequential("job"), time.Millisecond, time.Second)
	breaker := circuit.New(circuit.Config{FailureRateThreshold: 0.9, MinVolume: 100, Cooldown: time.Minute, MaxSamples: 100}, clk, log.NewSilent())

	deadJob(t, ctx, jobs, "job-1", "primary")
	clk.Advance(time.Hour)

	r := New(jobs, breaker, log.NewSilent(), clk, time.Second, time.Minute, 10)
	r.sweepOnce(ctx)

	final, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, final.State)

	entries, err := jobs.ListDlq(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepOnce_SkipsEntryBelowMinAge(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	jobs := memstore.New(clk, idgen.NewSequential("job"), time.Millisecond, time.Second)
	breaker := circuit.New(circuit.Config{FailureRateThreshold: 0.9, MinVolume: 100, Cooldown: time.Minute, MaxSamples: 100}, clk, log.NewSilent())

	deadJob(t, ctx, jobs, "job-1", "primary")

	r := New(jobs, breaker, log.NewSilent(), clk, time.Second, time.Hour, 10)
	r.sweepOnce(ctx)

	final, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDead, final.State)
}

func TestSweepOnce_SkipsEntryWhenCircuitOpen(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	jobs := memstore.New(clk, idgen.NewSequential("job"), time.Millisecond, time.Second)
	breaker := circuit.New(circuit.Config{FailureRateThreshold: 0.1, MinVolume: 1, Cooldown: time.Hour, MaxSamples: 10}, clk, log.NewSilent())
	breaker.Record("primary", circuit.Failure)

	deadJob(t, ctx, jobs, "job-1", "primary")
	clk.Advance(time.Hour)

	r := New(jobs, breaker, log.NewSilent(), clk, time.Second, time.Minute, 10)
	r.sweepOnce(ctx)

	final, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDead, final.State)
}

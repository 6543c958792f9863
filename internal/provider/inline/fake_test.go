package inline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/provider"
)

func TestFake_ResolvesDoneAfterPollsToDone(t *testing.T) {
	ctx := context.Background()
	f := New(clock.NewFake(time.Now()), idgen.NewSequential("pj"), 3)

	id, err := f.Start(ctx, provider.Input{Prompt: "x"})
	require.NoError(t, err)

	res, err := f.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, provider.PollPending, res.Status)

	res, err = f.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, provider.PollPending, res.Status)

	res, err = f.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, provider.PollDone, res.Status)
	assert.NotEmpty(t, res.OutputRef)
}

func TestFake_FailOnResolvesFailed(t *testing.T) {
	ctx := context.Background()
	f := New(clock.NewFake(time.Now()), idgen.NewSequential("pj"), 1)

	id, err := f.Start(ctx, provider.Input{Prompt: "x"})
	require.NoError(t, err)
	f.FailOn(id)

	res, err := f.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, provider.PollFailed, res.Status)
	assert.Error(t, res.Err)
}

func TestFake_CancelMakesSubsequentPollFail(t *testing.T) {
	ctx := context.Background()
	f := New(clock.NewFake(time.Now()), idgen.NewSequential("pj"), 5)

	id, err := f.Start(ctx, provider.Input{Prompt: "x"})
	require.NoError(t, err)
	require.NoError(t, f.Cancel(ctx, id))

	res, err := f.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, provider.PollFailed, res.Status)
}

package fileblob

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Logger = nil
	meta, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	s, err := New(t.TempDir(), meta, log.NewSilent(), clock.New(), idgen.New())
	require.NoError(t, err)
	return s
}

func TestPutAndGet_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	asset, err := s.Put(ctx, "user-1", domain.AssetVideo, []byte("video bytes"), "video/mp4")
	require.NoError(t, err)
	assert.NotEmpty(t, asset.ID)
	assert.Equal(t, int64(len("video bytes")), asset.Bytes)
	assert.Contains(t, asset.ObjectKey, "video")
	assert.Contains(t, asset.ObjectKey, "user-1")

	data, err := s.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("video bytes"), data)
}

func TestGetReader_StreamsBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	asset, err := s.Put(ctx, "user-1", domain.AssetImage, []byte("png bytes"), "image/png")
	require.NoError(t, err)

	r, err := s.GetReader(ctx, asset.ID)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
}

func TestGet_UnknownAssetReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestDeleteExpired_RemovesOnlyPastRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	expired, err := s.Put(ctx, "user-1", domain.AssetVideo, []byte("old"), "video/mp4")
	require.NoError(t, err)
	fresh, err := s.Put(ctx, "user-1", domain.AssetVideo, []byte("new"), "video/mp4")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.SetRetention(ctx, expired.ID, &past))
	require.NoError(t, s.SetRetention(ctx, fresh.ID, &future))

	removed, err := s.DeleteExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, assets.ErrNotFound)

	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSignedURL_UnsupportedOnFileBackend(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SignedURL(context.Background(), "whatever", time.Minute)
	assert.Error(t, err)
}

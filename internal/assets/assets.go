// Package assets defines the generated-media storage contract:
// deterministic object keys, retention-driven garbage collection, and
// the signed access layer that lets a caller fetch a result without a
// direct storage credential.
package assets

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vidforge/core/internal/domain"
)

// ErrNotFound is returned when an asset's object key has no backing data.
var ErrNotFound = errors.New("assets: not found")

// Store is the AssetStore contract from spec.md §4.8.
type Store interface {
	// Put writes bytes under basePath/{kind}/{ownerId}/{uuid}{ext} and
	// returns the resulting Asset record.
	Put(ctx context.Context, ownerID string, kind domain.AssetKind, data []byte, contentType string) (*domain.Asset, error)

	// PutReader is the streaming variant of Put, for large video payloads.
	PutReader(ctx context.Context, ownerID string, kind domain.AssetKind, r io.Reader, size int64, contentType string) (*domain.Asset, error)

	// Get returns an asset's bytes by id.
	Get(ctx context.Context, assetID string) ([]byte, error)

	// GetReader streams an asset's bytes by id.
	GetReader(ctx context.Context, assetID string) (io.ReadCloser, error)

	// Metadata returns the stored Asset record by id.
	Metadata(ctx context.Context, assetID string) (*domain.Asset, error)

	// SetRetention updates an asset's retainUntil, nil clearing it
	// (retained indefinitely until explicitly deleted).
	SetRetention(ctx context.Context, assetID string, retainUntil *time.Time) error

	// DeleteExpired deletes every asset whose retainUntil has passed,
	// returning the count removed. Used by the retention GC.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)

	// SignedURL returns a short-lived, provider-specific signed URL for
	// external CDN delivery, when the backend supports it (S3). File
	// backends return ErrNotFound-free but empty support via an error.
	SignedURL(ctx context.Context, assetID string, ttl time.Duration) (string, error)
}

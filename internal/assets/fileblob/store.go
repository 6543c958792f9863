// Package fileblob implements assets.Store over the local filesystem
// for object bytes, with asset metadata tracked in badgerhold so
// retention and lookups don't require directory walks.
package fileblob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/idgen"
	"github.com/vidforge/core/internal/platform/log"
)

var extByContentType = map[string]string{
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Store is a local-filesystem assets.Store.
type Store struct {
	basePath string
	meta     *badgerhold.Store
	logger   *log.Logger
	clk      clock.Clock
	ids      idgen.IDGen
}

// New returns a Store rooted at basePath, using meta for asset metadata.
func New(basePath string, meta *badgerhold.Store, logger *log.Logger, clk clock.Clock, ids idgen.IDGen) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("fileblob: create base directory %s: %w", basePath, err)
	}
	return &Store{basePath: basePath, meta: meta, logger: logger, clk: clk, ids: ids}, nil
}

func (s *Store) objectKey(ownerID string, kind domain.AssetKind, assetID, contentType string) string {
	ext := extByContentType[contentType]
	return filepath.ToSlash(filepath.Join(string(kind), ownerID, assetID+ext))
}

func (s *Store) keyToPath(key string) string {
	clean := filepath.Clean(key)
	clean = strings.TrimPrefix(clean, "/")
	clean = strings.ReplaceAll(clean, "..", "__")
	return filepath.Join(s.basePath, clean)
}

func (s *Store) Put(ctx context.Context, ownerID string, kind domain.AssetKind, data []byte, contentType string) (*domain.Asset, error) {
	return s.PutReader(ctx, ownerID, kind, bytes.NewReader(data), int64(len(data)), contentType)
}

func (s *Store) PutReader(ctx context.Context, ownerID string, kind domain.AssetKind, r io.Reader, size int64, contentType string) (*domain.Asset, error) {
	assetID := s.ids.New()
	key := s.objectKey(ownerID, kind, assetID, contentType)
	path := s.keyToPath(key)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileblob: create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("fileblob: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := md5.New()
	tee := io.TeeReader(r, hasher)
	written, err := io.Copy(tmpFile, tee)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("fileblob: write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("fileblob: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("fileblob: rename temp file: %w", err)
	}

	asset := &domain.Asset{
		ID:          assetID,
		OwnerID:     ownerID,
		Kind:        kind,
		ObjectKey:   key,
		Bytes:       written,
		ContentType: contentType,
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   s.clk.Now(),
	}

	if err := s.meta.Upsert(assetID, asset); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("fileblob: persist metadata: %w", err)
	}

	s.logger.Debug().Str("asset_id", assetID).Str("object_key", key).Int64("bytes", written).Msg("fileblob: stored asset")
	return asset, nil
}

func (s *Store) Metadata(ctx context.Context, assetID string) (*domain.Asset, error) {
	var asset domain.Asset
	if err := s.meta.Get(assetID, &asset); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, assets.ErrNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func (s *Store) GetReader(ctx context.Context, assetID string) (io.ReadCloser, error) {
	asset, err := s.Metadata(ctx, assetID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.keyToPath(asset.ObjectKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, assets.ErrNotFound
		}
		return nil, fmt.Errorf("fileblob: open %s: %w", asset.ObjectKey, err)
	}
	return f, nil
}

func (s *Store) Get(ctx context.Context, assetID string) ([]byte, error) {
	r, err := s.GetReader(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Store) SetRetention(ctx context.Context, assetID string, retainUntil *time.Time) error {
	asset, err := s.Metadata(ctx, assetID)
	if err != nil {
		return err
	}
	asset.RetainUntil = retainUntil
	return s.meta.Upsert(assetID, asset)
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	var expired []domain.Asset
	if err := s.meta.Find(&expired, badgerhold.Where("RetainUntil").Ne(nil).And("RetainUntil").Le(now)); err != nil {
		return 0, fmt.Errorf("fileblob: query expired assets: %w", err)
	}

	removed := 0
	for _, asset := range expired {
		if removed >= limit {
			break
		}
		path := s.keyToPath(asset.ObjectKey)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("fileblob: failed to remove expired object")
			continue
		}
		if err := s.meta.Delete(asset.ID, &domain.Asset{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("fileblob: failed to remove expired metadata")
			continue
		}
		removed++
	}
	return removed, nil
}

// SignedURL is unsupported on the file backend: there is no CDN in
// front of local disk, so callers fetch through GetReader instead.
func (s *Store) SignedURL(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	return "", fmt.Errorf("fileblob: signed URLs are not supported by the file backend, use ContentAccess instead")
}

var _ assets.Store = (*Store)(nil)

// Package s3blob implements assets.Store over AWS S3 (or an
// S3-compatible endpoint such as MinIO or R2), the backend the teacher
// declared configuration for but left as a "Phase 2" stub. Asset
// metadata is still tracked in badgerhold, the same split fileblob
// uses, since S3 object metadata alone can't support the paginated
// retention scan without a LIST over the whole bucket.
package s3blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
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

// Config configures a Store's bucket and, for S3-compatible stores
// other than AWS, a custom endpoint.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // custom endpoint for MinIO/R2; empty uses AWS
	AccessKey string
	SecretKey string
}

// Store is an assets.Store backed by S3.
type Store struct {
	client *s3.Client
	cfg    Config
	meta   *badgerhold.Store
	logger *log.Logger
	clk    clock.Clock
	ids    idgen.IDGen
}

// New constructs a Store, resolving AWS credentials the standard way
// (env vars, shared config, or Config's explicit AccessKey/SecretKey
// when set) and pointing at Config.Endpoint when non-empty.
func New(ctx context.Context, cfg Config, meta *badgerhold.Store, logger *log.Logger, clk clock.Clock, ids idgen.IDGen) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, cfg: cfg, meta: meta, logger: logger, clk: clk, ids: ids}, nil
}

func (s *Store) objectKey(ownerID string, kind domain.AssetKind, assetID, contentType string) string {
	ext := extByContentType[contentType]
	key := fmt.Sprintf("%s/%s/%s%s", kind, ownerID, assetID, ext)
	if s.cfg.Prefix != "" {
		key = s.cfg.Prefix + "/" + key
	}
	return key
}

func (s *Store) Put(ctx context.Context, ownerID string, kind domain.AssetKind, data []byte, contentType string) (*domain.Asset, error) {
	return s.PutReader(ctx, ownerID, kind, bytes.NewReader(data), int64(len(data)), contentType)
}

func (s *Store) PutReader(ctx context.Context, ownerID string, kind domain.AssetKind, r io.Reader, size int64, contentType string) (*domain.Asset, error) {
	assetID := s.ids.New()
	key := s.objectKey(ownerID, kind, assetID, contentType)

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read body: %w", err)
	}
	hash := md5.Sum(buf)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(buf))),
		CacheControl:  aws.String("public, max-age=31536000"),
	})
	if err != nil {
		return nil, fmt.Errorf("s3blob: put object %s: %w", key, err)
	}

	asset := &domain.Asset{
		ID:          assetID,
		OwnerID:     ownerID,
		Kind:        kind,
		ObjectKey:   key,
		Bytes:       int64(len(buf)),
		ContentType: contentType,
		ETag:        hex.EncodeToString(hash[:]),
		CreatedAt:   s.clk.Now(),
	}
	if err := s.meta.Upsert(assetID, asset); err != nil {
		return nil, fmt.Errorf("s3blob: persist metadata: %w", err)
	}

	s.logger.Debug().Str("asset_id", assetID).Str("object_key", key).Int64("bytes", asset.Bytes).Msg("s3blob: stored asset")
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

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(asset.ObjectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3blob: get object %s: %w", asset.ObjectKey, err)
	}
	return out.Body, nil
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
		return 0, fmt.Errorf("s3blob: query expired assets: %w", err)
	}

	removed := 0
	for _, asset := range expired {
		if removed >= limit {
			break
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(asset.ObjectKey),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("s3blob: failed to delete expired object")
			continue
		}
		if err := s.meta.Delete(asset.ID, &domain.Asset{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("s3blob: failed to remove expired metadata")
			continue
		}
		removed++
	}
	return removed, nil
}

// SignedURL returns a presigned GET URL valid for ttl, the external-CDN
// delivery path spec.md §4.8 describes as an alternative to the HMAC
// content token.
func (s *Store) SignedURL(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	asset, err := s.Metadata(ctx, assetID)
	if err != nil {
		return "", err
	}

	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(asset.ObjectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3blob: presign get object: %w", err)
	}
	return req.URL, nil
}

var _ assets.Store = (*Store)(nil)

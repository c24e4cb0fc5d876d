package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

var _ core.ObjectStore = (*GCSStore)(nil)

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket    string
	KeyPrefix string
}

// GCSStore stores audio in a Google Cloud Storage bucket. Presigned URLs are V4 signed
// with the client's default credentials, which must be able to sign (service account key
// or the IAM signBlob permission).
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSStore creates a GCS-backed object store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: cfg.KeyPrefix, now: time.Now}, nil
}

// Upload writes data under a fresh audio key.
func (s *GCSStore) Upload(ctx context.Context, data []byte, contentType string) (model.StorageLocation, error) {
	key := NewAudioKey(s.prefix)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return model.StorageLocation{}, apperrors.Storage(err, "gcs write failed")
	}
	if err := w.Close(); err != nil {
		return model.StorageLocation{}, apperrors.Storage(err, "gcs close failed")
	}
	return model.StorageLocation{Bucket: s.bucket, Key: key}, nil
}

// Download reads the object at loc.
func (s *GCSStore) Download(ctx context.Context, loc model.StorageLocation) ([]byte, error) {
	if err := validateLocation(loc, s.bucket); err != nil {
		return nil, apperrors.Storage(err, "invalid storage location")
	}
	reader, err := s.client.Bucket(s.bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, model.ErrObjectNotFound
		}
		return nil, apperrors.Storage(err, "gcs get failed")
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.Storage(err, "gcs read failed")
	}
	return data, nil
}

// Presign checks the object exists and returns a V4 signed GET URL valid for ttl.
func (s *GCSStore) Presign(ctx context.Context, loc model.StorageLocation, ttl time.Duration) (string, error) {
	if err := validateLocation(loc, s.bucket); err != nil {
		return "", apperrors.Storage(err, "invalid storage location")
	}
	if err := validateTTL(ttl); err != nil {
		return "", apperrors.Storage(err, "invalid presign ttl")
	}
	bkt := s.client.Bucket(s.bucket)
	if _, err := bkt.Object(loc.Key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", model.ErrObjectNotFound
		}
		return "", apperrors.Storage(err, "gcs attrs failed")
	}

	url, err := bkt.SignedURL(loc.Key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: s.now().Add(ttl),
	})
	if err != nil {
		return "", apperrors.Storage(err, "gcs sign failed")
	}
	return url, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

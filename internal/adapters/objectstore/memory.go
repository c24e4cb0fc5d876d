package objectstore

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

var _ core.ObjectStore = (*MemoryStore)(nil)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. Presigned URLs point at BaseURL and carry
// the expiry as a query parameter; they are meant for local development only.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	baseURL string
	objects map[string]memoryObject
	now     func() time.Time
}

// NewMemoryStore creates an in-memory object store for bucket. baseURL defaults to memory://.
func NewMemoryStore(bucket, baseURL string) *MemoryStore {
	if bucket == "" {
		bucket = "local"
	}
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &MemoryStore{
		bucket:  bucket,
		baseURL: baseURL,
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

// Upload stores a copy of data under a fresh audio key.
func (m *MemoryStore) Upload(ctx context.Context, data []byte, contentType string) (model.StorageLocation, error) {
	if err := ctx.Err(); err != nil {
		return model.StorageLocation{}, apperrors.Storage(err, "memory put canceled")
	}
	key := NewAudioKey("")
	m.mu.Lock()
	m.objects[key] = memoryObject{data: bytes.Clone(data), contentType: contentType}
	m.mu.Unlock()
	return model.StorageLocation{Bucket: m.bucket, Key: key}, nil
}

// Download returns a copy of the stored bytes.
func (m *MemoryStore) Download(_ context.Context, loc model.StorageLocation) ([]byte, error) {
	if err := validateLocation(loc, m.bucket); err != nil {
		return nil, apperrors.Storage(err, "invalid storage location")
	}
	m.mu.RLock()
	obj, ok := m.objects[loc.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, model.ErrObjectNotFound
	}
	return bytes.Clone(obj.data), nil
}

// Presign returns baseURL/bucket/key?expires=<unix>&ttl=<seconds>.
func (m *MemoryStore) Presign(_ context.Context, loc model.StorageLocation, ttl time.Duration) (string, error) {
	if err := validateLocation(loc, m.bucket); err != nil {
		return "", apperrors.Storage(err, "invalid storage location")
	}
	if err := validateTTL(ttl); err != nil {
		return "", apperrors.Storage(err, "invalid presign ttl")
	}
	m.mu.RLock()
	_, ok := m.objects[loc.Key]
	m.mu.RUnlock()
	if !ok {
		return "", model.ErrObjectNotFound
	}

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(m.now().Add(ttl).Unix(), 10))
	q.Set("ttl", strconv.FormatInt(int64(ttl/time.Second), 10))
	return m.baseURL + m.bucket + "/" + loc.Key + "?" + q.Encode(), nil
}

// Package objectstore provides ObjectStore implementations for S3-compatible storage,
// Google Cloud Storage and process memory.
package objectstore

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/target/voice-message-api/internal/domain/model"
)

const (
	audioKeyPrefix    = "audio/"
	audioKeyExtension = ".mp3"

	MaxPresignTTL = model.MaxAudioURLTTL
)

// ErrInvalidTTL is returned when a presign TTL is not positive or exceeds MaxPresignTTL.
var ErrInvalidTTL = errors.New("presign ttl must be between 1s and 7 days")

// NewAudioKey returns a fresh object key of the form audio/<uuid>.mp3 under prefix.
func NewAudioKey(prefix string) string {
	return normalizePrefix(prefix) + audioKeyPrefix + uuid.NewString() + audioKeyExtension
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func validateTTL(ttl time.Duration) error {
	if ttl < time.Second || ttl > MaxPresignTTL {
		return ErrInvalidTTL
	}
	return nil
}

func validateLocation(loc model.StorageLocation, bucket string) error {
	if loc.Key == "" {
		return errors.New("object key is required")
	}
	if loc.Bucket != "" && loc.Bucket != bucket {
		return errors.New("object belongs to bucket " + loc.Bucket + ", store serves " + bucket)
	}
	return nil
}

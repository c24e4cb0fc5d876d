package core

import (
	"context"
	"time"

	"github.com/target/voice-message-api/internal/domain/model"
)

// MessageStore persists submission records. Every write carries the status event that
// describes it; implementations store both atomically so the outbox never diverges
// from the record history.
type MessageStore interface {
	// Create stores a new record at version 1. Returns model.ErrSubmissionExists when the id is taken.
	Create(ctx context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error)
	// Fetch returns the current record or model.ErrSubmissionNotFound.
	Fetch(ctx context.Context, id string) (*model.Submission, error)
	// Save overwrites the record if rec.Version matches the stored version and returns
	// the stored copy with the incremented version. Stale writes fail with model.ErrVersionConflict.
	Save(ctx context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error)
	// List returns records matching opts ordered by creation time, newest first.
	List(ctx context.Context, opts model.SubmissionListOptions) ([]*model.Submission, error)
}

// OutboxRepository exposes the status events written by a MessageStore.
type OutboxRepository interface {
	// FetchUnpublished returns up to limit unpublished entries in ascending Seq order.
	FetchUnpublished(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	// MarkPublished stamps the given entries as delivered.
	MarkPublished(ctx context.Context, seqs []int64, at time.Time) error
	// DeletePublishedBefore removes delivered entries older than cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// SubmissionRepository is the combined persistence port implemented by every store backend.
type SubmissionRepository interface {
	MessageStore
	OutboxRepository
}

// SpeechSynthesizer converts text into an audio buffer through an external API.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ObjectStore stores audio bytes and issues time-limited access URLs.
type ObjectStore interface {
	// Upload stores data under a freshly generated key.
	Upload(ctx context.Context, data []byte, contentType string) (model.StorageLocation, error)
	// Download returns the stored bytes or model.ErrObjectNotFound.
	Download(ctx context.Context, loc model.StorageLocation) ([]byte, error)
	// Presign returns a signed GET URL valid for ttl, or model.ErrObjectNotFound.
	Presign(ctx context.Context, loc model.StorageLocation, ttl time.Duration) (string, error)
}

// EventPublisher sends status events to the message bus keyed by submission id.
type EventPublisher interface {
	Publish(ctx context.Context, evt model.StatusEvent) error
}

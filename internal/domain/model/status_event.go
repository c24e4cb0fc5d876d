package model

import (
	"errors"
	"time"
)

// StatusEvent is the snapshot emitted to the bus on every persisted transition.
// The JSON shape is the wire contract consumed downstream.
type StatusEvent struct {
	EventID      string           `json:"eventId"`
	MessageID    string           `json:"messageId"`
	Status       SubmissionStatus `json:"status"`
	Timestamp    time.Time        `json:"timestamp"`
	ErrorMessage *string          `json:"errorMessage,omitempty"`
	S3BucketName *string          `json:"s3BucketName,omitempty"`
	S3ObjectKey  *string          `json:"s3ObjectKey,omitempty"`
}

// NewStatusEvent snapshots a submission at the moment of a transition.
func NewStatusEvent(eventID string, s *Submission, at time.Time) StatusEvent {
	return StatusEvent{
		EventID:      eventID,
		MessageID:    s.ID,
		Status:       s.Status,
		Timestamp:    at,
		ErrorMessage: cloneString(s.ErrorMessage),
		S3BucketName: cloneString(s.S3BucketName),
		S3ObjectKey:  cloneString(s.S3ObjectKey),
	}
}

// OutboxEntry is a status event persisted alongside its transition, awaiting publication.
// Seq is assigned by the store and is strictly increasing in commit order.
type OutboxEntry struct {
	Seq         int64       `json:"seq"`
	Event       StatusEvent `json:"event"`
	CreatedAt   time.Time   `json:"createdAt"`
	PublishedAt *time.Time  `json:"publishedAt,omitempty"`
}

// ErrEventMismatch is returned when an outbox event does not describe the record it is stored with.
var ErrEventMismatch = errors.New("status event does not match submission")

// CheckEventFor verifies that evt is a snapshot of s.
func CheckEventFor(s *Submission, evt StatusEvent) error {
	if s == nil || evt.MessageID != s.ID || evt.Status != s.Status || evt.EventID == "" {
		return ErrEventMismatch
	}
	return nil
}

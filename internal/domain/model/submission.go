// Package model defines the core data types used by the voice message platform.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubmissionStatus represents the lifecycle state of a text-to-speech submission.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type SubmissionStatus string

const (
	// SubmissionStatusReceived is the initial state of every submission.
	SubmissionStatusReceived SubmissionStatus = "RECEIVED"
	// SubmissionStatusProcessing indicates synthesis and upload are in flight.
	SubmissionStatusProcessing SubmissionStatus = "PROCESSING"
	// SubmissionStatusCompleted indicates the audio is stored and addressable.
	SubmissionStatusCompleted SubmissionStatus = "COMPLETED"
	// SubmissionStatusFailed indicates the pipeline stopped with an error.
	SubmissionStatusFailed SubmissionStatus = "FAILED"
)

const (
	// DefaultRequester is recorded when a submission does not name its requester.
	DefaultRequester = "anonymous"
	// AudioContentType is the content type of every stored synthesis result.
	AudioContentType = "audio/mpeg"
	// MaxAudioURLTTL is the longest validity S3 SigV4 and GCS V4 signatures accept.
	MaxAudioURLTTL = 7 * 24 * time.Hour
)

// ErrInvalidTransition is returned when a status change is not on the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid submission status transition")

// Valid returns true if the SubmissionStatus is a known state.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionStatusReceived, SubmissionStatusProcessing,
		SubmissionStatusCompleted, SubmissionStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is defined from s.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionStatusCompleted || s == SubmissionStatusFailed
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from
// query strings and env values case-insensitively.
func (s *SubmissionStatus) UnmarshalText(text []byte) error {
	v := SubmissionStatus(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid SubmissionStatus: %q", string(text))
	}
	*s = v
	return nil
}

// CanTransition reports whether a submission may move from one status to another.
// The graph is RECEIVED -> PROCESSING -> COMPLETED | FAILED.
func CanTransition(from, to SubmissionStatus) bool {
	switch from {
	case SubmissionStatusReceived:
		return to == SubmissionStatusProcessing
	case SubmissionStatusProcessing:
		return to == SubmissionStatusCompleted || to == SubmissionStatusFailed
	default:
		return false
	}
}

// StorageLocation identifies a stored audio object.
type StorageLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero reports whether the location is unset.
func (l StorageLocation) IsZero() bool {
	return l.Bucket == "" && l.Key == ""
}

// Submission is the persisted record of one text-to-speech request.
type Submission struct {
	ID            string           `json:"id"`
	OriginalText  string           `json:"originalText"`
	Status        SubmissionStatus `json:"status"`
	S3BucketName  *string          `json:"s3BucketName,omitempty"`
	S3ObjectKey   *string          `json:"s3ObjectKey,omitempty"`
	ContentType   *string          `json:"contentType,omitempty"`
	FileSizeBytes *int64           `json:"fileSizeBytes,omitempty"`
	ErrorMessage  *string          `json:"errorMessage,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ProcessedAt   *time.Time       `json:"processedAt,omitempty"`
	RequestedBy   string           `json:"requestedBy"`
	VoiceType     *string          `json:"voiceType,omitempty"`
	Version       int64            `json:"version"`
}

// NewSubmission builds a RECEIVED record. An empty requester is replaced by DefaultRequester.
func NewSubmission(id, text, requestedBy string, voiceType *string, now time.Time) *Submission {
	if strings.TrimSpace(requestedBy) == "" {
		requestedBy = DefaultRequester
	}
	return &Submission{
		ID:           id,
		OriginalText: text,
		Status:       SubmissionStatusReceived,
		CreatedAt:    now,
		UpdatedAt:    now,
		RequestedBy:  requestedBy,
		VoiceType:    voiceType,
	}
}

// Location returns the storage location and whether one is recorded.
func (s *Submission) Location() (StorageLocation, bool) {
	if s == nil || s.S3BucketName == nil || s.S3ObjectKey == nil {
		return StorageLocation{}, false
	}
	return StorageLocation{Bucket: *s.S3BucketName, Key: *s.S3ObjectKey}, true
}

// Clone returns a deep copy so stored snapshots cannot be mutated by callers.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.S3BucketName = cloneString(s.S3BucketName)
	out.S3ObjectKey = cloneString(s.S3ObjectKey)
	out.ContentType = cloneString(s.ContentType)
	out.ErrorMessage = cloneString(s.ErrorMessage)
	out.VoiceType = cloneString(s.VoiceType)
	if s.FileSizeBytes != nil {
		v := *s.FileSizeBytes
		out.FileSizeBytes = &v
	}
	if s.ProcessedAt != nil {
		v := *s.ProcessedAt
		out.ProcessedAt = &v
	}
	return &out
}

// MarkProcessing moves the record to PROCESSING.
func (s *Submission) MarkProcessing(now time.Time) error {
	return s.advance(SubmissionStatusProcessing, now)
}

// MarkCompleted records the stored audio and moves the record to COMPLETED.
func (s *Submission) MarkCompleted(loc StorageLocation, contentType string, size int64, now time.Time) error {
	if err := s.advance(SubmissionStatusCompleted, now); err != nil {
		return err
	}
	bucket, key := loc.Bucket, loc.Key
	s.S3BucketName = &bucket
	s.S3ObjectKey = &key
	s.ContentType = &contentType
	s.FileSizeBytes = &size
	processed := s.UpdatedAt
	s.ProcessedAt = &processed
	s.ErrorMessage = nil
	return nil
}

// MarkFailed records the failure message and moves the record to FAILED.
func (s *Submission) MarkFailed(message string, now time.Time) error {
	if err := s.advance(SubmissionStatusFailed, now); err != nil {
		return err
	}
	s.ErrorMessage = &message
	s.S3BucketName = nil
	s.S3ObjectKey = nil
	s.ContentType = nil
	s.FileSizeBytes = nil
	s.ProcessedAt = nil
	return nil
}

func (s *Submission) advance(to SubmissionStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	// updatedAt never moves backwards even if the clock does.
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
	return nil
}

// Validate checks that the terminal-status gated fields agree with Status.
func (s *Submission) Validate() error {
	if s == nil {
		return errors.New("submission is required")
	}
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("submission id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	_, hasLocation := s.Location()
	allStorage := hasLocation && s.ContentType != nil && s.FileSizeBytes != nil
	anyStorage := s.S3BucketName != nil || s.S3ObjectKey != nil || s.ContentType != nil || s.FileSizeBytes != nil
	completed := s.Status == SubmissionStatusCompleted
	if (completed && !allStorage) || (!completed && anyStorage) {
		return fmt.Errorf("storage fields must be set iff status is %s", SubmissionStatusCompleted)
	}
	if (s.Status == SubmissionStatusFailed) != (s.ErrorMessage != nil) {
		return fmt.Errorf("error message must be set iff status is %s", SubmissionStatusFailed)
	}
	if (s.ProcessedAt != nil) != completed {
		return fmt.Errorf("processed_at must be set iff status is %s", SubmissionStatusCompleted)
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return errors.New("updated_at precedes created_at")
	}
	return nil
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var (
	// ErrSubmissionNotFound is returned by stores when no record exists for an id.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionExists is returned by stores when creating a record whose id is taken.
	ErrSubmissionExists = errors.New("submission already exists")
	// ErrVersionConflict is returned by stores when a save carries a stale version.
	ErrVersionConflict = errors.New("submission version conflict")
	// ErrObjectNotFound is returned by object stores when a key does not exist.
	ErrObjectNotFound = errors.New("stored object not found")
)

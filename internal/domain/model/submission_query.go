package model

import (
	"errors"
	"time"
)

// SubmissionListOptions filters submission listings. Zero-valued filters are ignored;
// at most one of Status, RequestedBy or the created-at window is expected per query.
type SubmissionListOptions struct {
	Status        *SubmissionStatus
	RequestedBy   *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Normalize clamps pagination to sane bounds.
func (o *SubmissionListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Validate checks the filters are coherent.
func (o *SubmissionListOptions) Validate() error {
	if o.Status != nil && !o.Status.Valid() {
		return errors.New("status must be one of: RECEIVED, PROCESSING, COMPLETED, FAILED")
	}
	if o.CreatedAfter != nil && o.CreatedBefore != nil && o.CreatedBefore.Before(*o.CreatedAfter) {
		return errors.New("created window end must not precede its start")
	}
	return nil
}

// Matches reports whether s passes every filter in o. Used by non-SQL stores.
func (o *SubmissionListOptions) Matches(s *Submission) bool {
	if o.Status != nil && s.Status != *o.Status {
		return false
	}
	if o.RequestedBy != nil && s.RequestedBy != *o.RequestedBy {
		return false
	}
	if o.CreatedAfter != nil && s.CreatedAt.Before(*o.CreatedAfter) {
		return false
	}
	if o.CreatedBefore != nil && !s.CreatedAt.Before(*o.CreatedBefore) {
		return false
	}
	return true
}

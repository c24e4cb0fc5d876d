package data

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
)

var _ core.SubmissionRepository = (*MemorySubmissionRepo)(nil)

// MemorySubmissionRepo keeps submissions and their outbox in process memory.
// It is safe for concurrent use and mirrors the optimistic versioning of the SQL store.
type MemorySubmissionRepo struct {
	mu      sync.RWMutex
	records map[string]*model.Submission
	outbox  []model.OutboxEntry
	nextSeq int64
}

// NewMemorySubmissionRepo creates an empty in-memory store.
func NewMemorySubmissionRepo() *MemorySubmissionRepo {
	return &MemorySubmissionRepo{records: make(map[string]*model.Submission)}
}

// Create stores a new record at version 1 together with its status event.
func (r *MemorySubmissionRepo) Create(
	ctx context.Context,
	rec *model.Submission,
	evt model.StatusEvent,
) (*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckEventFor(rec, evt); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return nil, model.ErrSubmissionExists
	}
	stored := rec.Clone()
	stored.Version = 1
	r.records[rec.ID] = stored
	r.appendOutbox(evt)
	return stored.Clone(), nil
}

// Fetch returns a copy of the stored record.
func (r *MemorySubmissionRepo) Fetch(ctx context.Context, id string) (*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, model.ErrSubmissionNotFound
	}
	return rec.Clone(), nil
}

// Save overwrites the record when rec.Version matches the stored version.
func (r *MemorySubmissionRepo) Save(
	ctx context.Context,
	rec *model.Submission,
	evt model.StatusEvent,
) (*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckEventFor(rec, evt); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[rec.ID]
	if !ok {
		return nil, model.ErrSubmissionNotFound
	}
	if current.Version != rec.Version {
		return nil, model.ErrVersionConflict
	}
	stored := rec.Clone()
	stored.Version = current.Version + 1
	r.records[rec.ID] = stored
	r.appendOutbox(evt)
	return stored.Clone(), nil
}

// List returns matching records, newest first.
func (r *MemorySubmissionRepo) List(
	ctx context.Context,
	opts model.SubmissionListOptions,
) ([]*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.Normalize()

	r.mu.RLock()
	matched := make([]*model.Submission, 0, len(r.records))
	for _, rec := range r.records {
		if opts.Matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if opts.Offset >= len(matched) {
		return []*model.Submission{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(matched))
	return matched[opts.Offset:end], nil
}

// FetchUnpublished returns pending outbox entries in sequence order.
func (r *MemorySubmissionRepo) FetchUnpublished(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.OutboxEntry, 0, min(limit, len(r.outbox)))
	for _, e := range r.outbox {
		if e.PublishedAt != nil {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished stamps entries as delivered.
func (r *MemorySubmissionRepo) MarkPublished(ctx context.Context, seqs []int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	want := make(map[int64]struct{}, len(seqs))
	for _, s := range seqs {
		want[s] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.outbox {
		if _, ok := want[r.outbox[i].Seq]; ok && r.outbox[i].PublishedAt == nil {
			t := at
			r.outbox[i].PublishedAt = &t
		}
	}
	return nil
}

// DeletePublishedBefore drops delivered entries created before cutoff.
func (r *MemorySubmissionRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	kept := r.outbox[:0]
	for _, e := range r.outbox {
		if e.PublishedAt != nil && e.CreatedAt.Before(cutoff) && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.outbox = kept
	return deleted, nil
}

// appendOutbox must be called with mu held.
func (r *MemorySubmissionRepo) appendOutbox(evt model.StatusEvent) {
	r.nextSeq++
	r.outbox = append(r.outbox, model.OutboxEntry{
		Seq:       r.nextSeq,
		Event:     evt,
		CreatedAt: evt.Timestamp,
	})
}

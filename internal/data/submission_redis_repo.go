package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
)

var _ core.SubmissionRepository = (*RedisSubmissionRepo)(nil)

const (
	defaultRedisKeyPrefix = "{voicemsg}"
	redisMGetChunk        = 200
)

// RedisSubmissionRepo stores submissions as JSON documents in Redis.
// Listing uses sorted-set indexes scored by creation time in milliseconds; the outbox
// is a pending sorted set scored by sequence plus one document per entry.
type RedisSubmissionRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSubmissionRepo creates a repo using the default key prefix. The prefix is a hash
// tag so every key lands in one cluster slot, which MGET and MULTI require.
func NewRedisSubmissionRepo(client redis.UniversalClient) *RedisSubmissionRepo {
	return NewRedisSubmissionRepoWithPrefix(client, defaultRedisKeyPrefix)
}

// NewRedisSubmissionRepoWithPrefix creates a repo whose keys live under prefix (useful for tests).
func NewRedisSubmissionRepoWithPrefix(client redis.UniversalClient, prefix string) *RedisSubmissionRepo {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisSubmissionRepo{client: client, prefix: prefix}
}

func (r *RedisSubmissionRepo) msgKey(id string) string { return r.prefix + ":msg:" + id }
func (r *RedisSubmissionRepo) createdIdx() string     { return r.prefix + ":idx:created" }
func (r *RedisSubmissionRepo) statusIdx(s model.SubmissionStatus) string {
	return r.prefix + ":idx:status:" + string(s)
}
func (r *RedisSubmissionRepo) requesterIdx(who string) string { return r.prefix + ":idx:requester:" + who }
func (r *RedisSubmissionRepo) outboxSeqKey() string           { return r.prefix + ":outbox:seq" }
func (r *RedisSubmissionRepo) outboxPendingKey() string       { return r.prefix + ":outbox:pending" }
func (r *RedisSubmissionRepo) outboxPublishedKey() string     { return r.prefix + ":outbox:published" }
func (r *RedisSubmissionRepo) outboxEntryKey(seq int64) string {
	return r.prefix + ":outbox:entry:" + strconv.FormatInt(seq, 10)
}

// Create stores a new record at version 1. The write is guarded by WATCH on the record key
// so two concurrent creates of the same id cannot both succeed.
func (r *RedisSubmissionRepo) Create(
	ctx context.Context,
	rec *model.Submission,
	evt model.StatusEvent,
) (*model.Submission, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckEventFor(rec, evt); err != nil {
		return nil, err
	}
	stored := rec.Clone()
	stored.Version = 1

	key := r.msgKey(rec.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return model.ErrSubmissionExists
		}
		entry, err := r.newOutboxEntry(ctx, evt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := r.writeRecord(ctx, p, stored); err != nil {
				return err
			}
			score := createdScore(stored.CreatedAt)
			p.ZAdd(ctx, r.createdIdx(), redis.Z{Score: score, Member: stored.ID})
			p.ZAdd(ctx, r.requesterIdx(stored.RequestedBy), redis.Z{Score: score, Member: stored.ID})
			p.ZAdd(ctx, r.statusIdx(stored.Status), redis.Z{Score: score, Member: stored.ID})
			return r.writeOutbox(ctx, p, entry)
		})
		return err
	}, key)
	switch {
	case err == nil:
		return stored.Clone(), nil
	case errors.Is(err, model.ErrSubmissionExists):
		return nil, err
	case errors.Is(err, redis.TxFailedErr):
		return nil, model.ErrSubmissionExists
	default:
		return nil, fmt.Errorf("redis create submission: %w", err)
	}
}

// Fetch returns the stored record.
func (r *RedisSubmissionRepo) Fetch(ctx context.Context, id string) (*model.Submission, error) {
	raw, err := r.client.Get(ctx, r.msgKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("redis get submission: %w", err)
	}
	return decodeSubmission(raw)
}

// Save overwrites the record when rec.Version matches. A concurrent write between WATCH
// and EXEC aborts the transaction and is reported as a version conflict.
func (r *RedisSubmissionRepo) Save(
	ctx context.Context,
	rec *model.Submission,
	evt model.StatusEvent,
) (*model.Submission, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckEventFor(rec, evt); err != nil {
		return nil, err
	}

	key := r.msgKey(rec.ID)
	var stored *model.Submission
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return model.ErrSubmissionNotFound
			}
			return err
		}
		current, err := decodeSubmission(raw)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return model.ErrVersionConflict
		}
		stored = rec.Clone()
		stored.Version = current.Version + 1

		entry, err := r.newOutboxEntry(ctx, evt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := r.writeRecord(ctx, p, stored); err != nil {
				return err
			}
			if current.Status != stored.Status {
				p.ZRem(ctx, r.statusIdx(current.Status), stored.ID)
				p.ZAdd(ctx, r.statusIdx(stored.Status), redis.Z{Score: createdScore(stored.CreatedAt), Member: stored.ID})
			}
			return r.writeOutbox(ctx, p, entry)
		})
		return err
	}, key)
	switch {
	case err == nil:
		return stored.Clone(), nil
	case errors.Is(err, model.ErrSubmissionNotFound), errors.Is(err, model.ErrVersionConflict):
		return nil, err
	case errors.Is(err, redis.TxFailedErr):
		return nil, model.ErrVersionConflict
	default:
		return nil, fmt.Errorf("redis save submission: %w", err)
	}
}

// List walks the most selective index newest first and applies the remaining filters in memory.
func (r *RedisSubmissionRepo) List(
	ctx context.Context,
	opts model.SubmissionListOptions,
) ([]*model.Submission, error) {
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	idx := r.createdIdx()
	switch {
	case opts.Status != nil:
		idx = r.statusIdx(*opts.Status)
	case opts.RequestedBy != nil:
		idx = r.requesterIdx(*opts.RequestedBy)
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if opts.CreatedAfter != nil {
		rng.Min = strconv.FormatFloat(createdScore(*opts.CreatedAfter), 'f', -1, 64)
	}
	if opts.CreatedBefore != nil {
		rng.Max = "(" + strconv.FormatFloat(createdScore(*opts.CreatedBefore), 'f', -1, 64)
	}
	ids, err := r.client.ZRevRangeByScore(ctx, idx, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index: %w", err)
	}

	out := make([]*model.Submission, 0, min(opts.Limit, len(ids)))
	skipped := 0
	for start := 0; start < len(ids) && len(out) < opts.Limit; start += redisMGetChunk {
		chunk := ids[start:min(start+redisMGetChunk, len(ids))]
		keys := make([]string, len(chunk))
		for i, id := range chunk {
			keys[i] = r.msgKey(id)
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget submissions: %w", err)
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decodeSubmission([]byte(s))
			if err != nil {
				return nil, err
			}
			if !opts.Matches(rec) {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			out = append(out, rec)
			if len(out) == opts.Limit {
				break
			}
		}
	}
	return out, nil
}

// FetchUnpublished returns pending outbox entries ordered by sequence.
func (r *RedisSubmissionRepo) FetchUnpublished(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	seqs, err := r.client.ZRange(ctx, r.outboxPendingKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis outbox range: %w", err)
	}
	if len(seqs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(seqs))
	for i, s := range seqs {
		keys[i] = r.prefix + ":outbox:entry:" + s
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis outbox mget: %w", err)
	}
	out := make([]model.OutboxEntry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("outbox entry %s missing", seqs[i])
		}
		var entry model.OutboxEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", seqs[i], err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// MarkPublished moves entries from the pending set to the published set.
func (r *RedisSubmissionRepo) MarkPublished(ctx context.Context, seqs []int64, at time.Time) error {
	for _, seq := range seqs {
		key := r.outboxEntryKey(seq)
		raw, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis outbox get %d: %w", seq, err)
		}
		var entry model.OutboxEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode outbox entry %d: %w", seq, err)
		}
		if entry.PublishedAt != nil {
			continue
		}
		published := at
		entry.PublishedAt = &published
		buf, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		member := strconv.FormatInt(seq, 10)
		if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, buf, 0)
			p.ZRem(ctx, r.outboxPendingKey(), member)
			p.ZAdd(ctx, r.outboxPublishedKey(), redis.Z{Score: createdScore(entry.CreatedAt), Member: member})
			return nil
		}); err != nil {
			return fmt.Errorf("redis outbox mark %d: %w", seq, err)
		}
	}
	return nil
}

// DeletePublishedBefore removes delivered entries created before cutoff.
func (r *RedisSubmissionRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	members, err := r.client.ZRangeByScore(ctx, r.outboxPublishedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatFloat(createdScore(cutoff), 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis outbox published range: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	keys := make([]string, len(members))
	zmembers := make([]any, len(members))
	for i, m := range members {
		keys[i] = r.prefix + ":outbox:entry:" + m
		zmembers[i] = m
	}
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, r.outboxPublishedKey(), zmembers...)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("redis outbox purge: %w", err)
	}
	return int64(len(members)), nil
}

// newOutboxEntry reserves a sequence number. Gaps from aborted transactions are harmless.
func (r *RedisSubmissionRepo) newOutboxEntry(ctx context.Context, evt model.StatusEvent) (model.OutboxEntry, error) {
	seq, err := r.client.Incr(ctx, r.outboxSeqKey()).Result()
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("redis outbox seq: %w", err)
	}
	return model.OutboxEntry{Seq: seq, Event: evt, CreatedAt: evt.Timestamp}, nil
}

func (r *RedisSubmissionRepo) writeRecord(ctx context.Context, p redis.Pipeliner, rec *model.Submission) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	p.Set(ctx, r.msgKey(rec.ID), buf, 0)
	return nil
}

func (r *RedisSubmissionRepo) writeOutbox(ctx context.Context, p redis.Pipeliner, entry model.OutboxEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	p.Set(ctx, r.outboxEntryKey(entry.Seq), buf, 0)
	p.ZAdd(ctx, r.outboxPendingKey(), redis.Z{Score: float64(entry.Seq), Member: strconv.FormatInt(entry.Seq, 10)})
	return nil
}

func decodeSubmission(raw []byte) (*model.Submission, error) {
	var rec model.Submission
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &rec, nil
}

// createdScore keeps millisecond precision, which a float64 score represents exactly.
func createdScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

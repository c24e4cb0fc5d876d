package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/data/database"
	"github.com/target/voice-message-api/internal/data/pgxutil"
	"github.com/target/voice-message-api/internal/domain/model"
)

var _ core.SubmissionRepository = (*SubmissionRepo)(nil)

const (
	submissionsTable = "voice_messages"
	outboxTable      = "voice_message_outbox"
)

var submissionColumns = []string{
	"id", "original_text", "status", "s3_bucket_name", "s3_object_key", "content_type",
	"file_size_bytes", "error_message", "created_at", "updated_at", "processed_at",
	"requested_by", "voice_type", "version",
}

const (
	submissionInsertQuery = `
		INSERT INTO voice_messages (
			id, original_text, status, s3_bucket_name, s3_object_key, content_type,
			file_size_bytes, error_message, created_at, updated_at, processed_at,
			requested_by, voice_type, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`

	submissionUpdateQuery = `
		UPDATE voice_messages SET
			status = $3, s3_bucket_name = $4, s3_object_key = $5, content_type = $6,
			file_size_bytes = $7, error_message = $8, updated_at = $9, processed_at = $10,
			version = version + 1
		WHERE id = $1 AND version = $2`

	submissionExistsQuery = `SELECT EXISTS(SELECT 1 FROM voice_messages WHERE id = $1)`

	submissionGetByIDQuery = `
		SELECT id, original_text, status, s3_bucket_name, s3_object_key, content_type,
			file_size_bytes, error_message, created_at, updated_at, processed_at,
			requested_by, voice_type, version
		FROM voice_messages WHERE id = $1`

	outboxInsertQuery = `
		INSERT INTO voice_message_outbox (event_id, message_id, payload, created_at)
		VALUES ($1, $2, $3, $4)`

	outboxPendingQuery = `
		SELECT seq, payload, created_at, published_at
		FROM voice_message_outbox
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1`

	outboxPurgeQuery = `
		DELETE FROM voice_message_outbox
		WHERE seq IN (
			SELECT seq FROM voice_message_outbox
			WHERE published_at IS NOT NULL AND created_at < $1
			ORDER BY seq ASC
			LIMIT $2
		)`
)

// SubmissionRepo persists submissions and their outbox in PostgreSQL.
type SubmissionRepo struct {
	DB *sql.DB
}

// NewSubmissionRepo creates a new SubmissionRepo.
func NewSubmissionRepo(db *sql.DB) *SubmissionRepo {
	return &SubmissionRepo{DB: db}
}

// Create inserts a RECEIVED record at version 1 and its creation event in one transaction.
func (r *SubmissionRepo) Create(
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

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, submissionInsertQuery,
				rec.ID,
				rec.OriginalText,
				string(rec.Status),
				rec.S3BucketName,
				rec.S3ObjectKey,
				rec.ContentType,
				rec.FileSizeBytes,
				rec.ErrorMessage,
				rec.CreatedAt.UTC(),
				rec.UpdatedAt.UTC(),
				rec.ProcessedAt,
				rec.RequestedBy,
				rec.VoiceType,
			); err != nil {
				return err
			}
			return insertOutbox(ctx, tx, evt)
		},
	})
	if err != nil {
		if pgxutil.IsUniqueViolation(err) {
			return nil, model.ErrSubmissionExists
		}
		return nil, fmt.Errorf("create submission: %w", err)
	}

	out := rec.Clone()
	out.Version = 1
	return out, nil
}

// Fetch retrieves a record by id.
// Ids are UUIDs in Postgres, so anything that does not parse cannot exist.
func (r *SubmissionRepo) Fetch(ctx context.Context, id string) (*model.Submission, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrSubmissionNotFound
	}
	row := r.DB.QueryRowContext(ctx, submissionGetByIDQuery, id)
	rec, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("fetch submission: %w", err)
	}
	return rec, nil
}

// Save overwrites the mutable columns when the stored version still equals rec.Version.
func (r *SubmissionRepo) Save(
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
	if _, err := uuid.Parse(rec.ID); err != nil {
		return nil, model.ErrSubmissionNotFound
	}

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, submissionUpdateQuery,
				rec.ID,
				rec.Version,
				string(rec.Status),
				rec.S3BucketName,
				rec.S3ObjectKey,
				rec.ContentType,
				rec.FileSizeBytes,
				rec.ErrorMessage,
				rec.UpdatedAt.UTC(),
				rec.ProcessedAt,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return missingOrStale(ctx, tx, rec.ID)
			}
			return insertOutbox(ctx, tx, evt)
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrSubmissionNotFound) || errors.Is(err, model.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("save submission: %w", err)
	}

	out := rec.Clone()
	out.Version = rec.Version + 1
	return out, nil
}

// List returns records matching opts, newest first.
func (r *SubmissionRepo) List(ctx context.Context, opts model.SubmissionListOptions) ([]*model.Submission, error) {
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	query, args := database.BuildListQuery(buildSubmissionListQuery(opts))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.Submission, 0, opts.Limit)
	for rows.Next() {
		rec, scanErr := scanSubmission(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan submission: %w", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func buildSubmissionListQuery(opts model.SubmissionListOptions) *database.ListQueryOptions {
	queryOpts := []database.ListQueryOption{
		database.WithColumns(submissionColumns...),
		database.WithOrderBy("created_at", "DESC"),
		database.WithLimit(opts.Limit),
		database.WithOffset(opts.Offset),
	}
	if opts.Status != nil {
		queryOpts = append(queryOpts,
			database.WithCondition(database.WhereCond("status", database.Equal, string(*opts.Status))))
	}
	if opts.RequestedBy != nil {
		queryOpts = append(queryOpts,
			database.WithCondition(database.WhereCond("requested_by", database.Equal, *opts.RequestedBy)))
	}
	if opts.CreatedAfter != nil {
		queryOpts = append(queryOpts,
			database.WithCondition(database.WhereCond("created_at", database.GreaterThanOrEqual, opts.CreatedAfter.UTC())))
	}
	if opts.CreatedBefore != nil {
		queryOpts = append(queryOpts,
			database.WithCondition(database.WhereCond("created_at", database.LessThan, opts.CreatedBefore.UTC())))
	}
	return database.NewListQueryOptions(submissionsTable, queryOpts...)
}

// FetchUnpublished returns pending outbox entries in commit sequence order.
func (r *SubmissionRepo) FetchUnpublished(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, outboxPendingQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.OutboxEntry
	for rows.Next() {
		var (
			entry       model.OutboxEntry
			payload     []byte
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&entry.Seq, &payload, &entry.CreatedAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Event); err != nil {
			return nil, fmt.Errorf("decode outbox payload %d: %w", entry.Seq, err)
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			entry.PublishedAt = &t
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// MarkPublished stamps the given outbox entries as delivered.
func (r *SubmissionRepo) MarkPublished(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := make([]string, len(seqs))
	args := make([]any, 0, len(seqs)+1)
	args = append(args, at.UTC())
	for i, s := range seqs {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, s)
	}
	query := "UPDATE voice_message_outbox SET published_at = $1 WHERE published_at IS NULL AND seq IN (" +
		strings.Join(placeholders, ", ") + ")"
	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// DeletePublishedBefore removes at most limit delivered entries created before cutoff.
func (r *SubmissionRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := r.DB.ExecContext(ctx, outboxPurgeQuery, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge outbox rows affected: %w", err)
	}
	return n, nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, evt model.StatusEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, outboxInsertQuery,
		evt.EventID, evt.MessageID, payload, evt.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// missingOrStale distinguishes an unknown id from a version mismatch after a zero-row update.
func missingOrStale(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, submissionExistsQuery, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return model.ErrSubmissionNotFound
	}
	return model.ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var (
		rec         model.Submission
		status      string
		bucket      sql.NullString
		key         sql.NullString
		contentType sql.NullString
		size        sql.NullInt64
		errMsg      sql.NullString
		processedAt sql.NullTime
		voiceType   sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OriginalText,
		&status,
		&bucket,
		&key,
		&contentType,
		&size,
		&errMsg,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&processedAt,
		&rec.RequestedBy,
		&voiceType,
		&rec.Version,
	); err != nil {
		return nil, err
	}
	rec.Status = model.SubmissionStatus(status)
	rec.S3BucketName = nullString(bucket)
	rec.S3ObjectKey = nullString(key)
	rec.ContentType = nullString(contentType)
	rec.ErrorMessage = nullString(errMsg)
	rec.VoiceType = nullString(voiceType)
	if size.Valid {
		v := size.Int64
		rec.FileSizeBytes = &v
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

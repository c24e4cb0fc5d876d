package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
	}{
		{name: "deadline", err: fmt.Errorf("list: %w", context.DeadlineExceeded), wantCode: ErrCodeTimeout},
		{name: "canceled", err: context.Canceled, wantCode: ErrCodeCanceled},
		{name: "sql no rows", err: sql.ErrNoRows, wantCode: ErrCodeNotFound},
		{name: "pgx no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{
			name:      "primary key",
			err:       &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "voice_messages_pkey", TableName: "voice_messages"},
			wantCode:  ErrCodeConflict,
			wantField: "id",
		},
		{
			name:     "foreign key",
			err:      &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: "voice_message_outbox_message_id_fkey", TableName: "voice_message_outbox"},
			wantCode: ErrCodeForeignKey, wantField: "message_id",
		},
		{
			name:     "check",
			err:      &pgconn.PgError{Code: pgerrcode.CheckViolation, ConstraintName: "voice_messages_status_check", TableName: "voice_messages"},
			wantCode: ErrCodeValidation, wantField: "status",
		},
		{
			name:     "not null uses column",
			err:      &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "requested_by", TableName: "voice_messages"},
			wantCode: ErrCodeValidation, wantField: "requested_by",
		},
		{name: "query canceled", err: &pgconn.PgError{Code: pgerrcode.QueryCanceled}, wantCode: ErrCodeTimeout},
		{name: "other pg error", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, wantCode: ErrCodeInternal},
		{name: "unknown", err: errors.New("connection reset"), wantCode: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapDBError(tt.err)
			require.Error(t, mapped)
			assert.Equal(t, tt.wantCode, GetCode(mapped))
			assert.Equal(t, tt.wantField, GetField(mapped))
			assert.ErrorIs(t, mapped, tt.err)
		})
	}
}

func TestMapDBError_PassThrough(t *testing.T) {
	require.NoError(t, MapDBError(nil))

	orig := NotFound("submission abc not found")
	assert.Same(t, orig, MapDBError(orig))
}

package errors

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps a raw store error onto an AppError:
//   - no rows → NotFound
//   - unique violation → Conflict
//   - foreign key violation → ForeignKey
//   - check / not-null violation → Validation
//   - deadline / cancellation → Timeout / Canceled
//
// AppErrors pass through; anything unrecognised is returned as Internal wrapping the cause.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "store operation timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "store operation canceled")
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, pgx.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "record not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return Wrap(err, ErrCodeInternal, "store operation failed")
}

func mapPgError(pgErr *pgconn.PgError) error {
	field := fieldFromConstraint(pgErr.ConstraintName, pgErr.TableName)
	var e *AppError
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		e = Wrapf(pgErr, ErrCodeConflict, "%s already exists", describe(field))
	case pgerrcode.ForeignKeyViolation:
		e = Wrap(pgErr, ErrCodeForeignKey, "referenced record does not exist")
	case pgerrcode.NotNullViolation:
		if pgErr.ColumnName != "" {
			field = pgErr.ColumnName
		}
		e = Wrapf(pgErr, ErrCodeValidation, "%s is required", describe(field))
	case pgerrcode.CheckViolation:
		e = Wrapf(pgErr, ErrCodeValidation, "%s is invalid", describe(field))
	case pgerrcode.QueryCanceled:
		e = Wrap(pgErr, ErrCodeTimeout, "store operation timed out")
	default:
		return Wrap(pgErr, ErrCodeInternal, "store operation failed")
	}
	e.Field = field
	return e
}

// fieldFromConstraint derives a column name from Postgres' default constraint naming
// (<table>_<column>_key, <table>_<column>_check, <table>_pkey).
func fieldFromConstraint(constraint, table string) string {
	if constraint == "" {
		return ""
	}
	if strings.HasSuffix(constraint, "_pkey") {
		return "id"
	}
	name := constraint
	if table != "" {
		name = strings.TrimPrefix(name, table+"_")
	}
	for _, suffix := range []string{"_key", "_check", "_fkey", "_not_null"} {
		if trimmed, ok := strings.CutSuffix(name, suffix); ok {
			return trimmed
		}
	}
	return name
}

func describe(field string) string {
	if field == "" {
		return "value"
	}
	return field
}

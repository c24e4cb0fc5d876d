// Package migrate applies the embedded SQL schema migrations in filename order.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/target/voice-message-api/internal/data/pgxutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// advisoryLockKey serialises migration runs across replicas starting at once.
const advisoryLockKey int64 = 0x766f6963656d7367 // "voicemsg"

const createVersionsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// Run applies every embedded migration not yet recorded in schema_migrations and
// returns the versions it applied. Each migration runs in its own transaction
// holding a transaction-scoped advisory lock, so concurrent callers apply each
// file exactly once.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrations")

	if _, err := db.ExecContext(ctx, createVersionsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}

	versions, err := Versions()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range versions {
		ok, err := apply(ctx, db, version)
		if err != nil {
			return applied, err
		}
		if ok {
			logger.InfoContext(ctx, "applied migration", "version", version)
			applied = append(applied, version)
		}
	}
	return applied, nil
}

// Versions lists the embedded migration versions (file names without .sql) in
// the order Run applies them.
func Versions() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".sql"))
	}
	slices.Sort(out)
	return out, nil
}

// apply runs one migration unless it is already recorded. It reports whether it ran.
func apply(ctx context.Context, db *sql.DB, version string) (bool, error) {
	body, err := migrationsFS.ReadFile("migrations/" + version + ".sql")
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", version, err)
	}

	var ran bool
	err = pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Attempts: 1,
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check migration %s: %w", version, err)
			}
			if exists {
				return nil
			}
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec migration %s: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("record migration %s: %w", version, err)
			}
			ran = true
			return nil
		},
	})
	return ran, err
}

// VersionStatus reports whether one embedded migration has been applied.
type VersionStatus struct {
	Version   string
	AppliedAt *time.Time
}

// Status pairs every embedded migration with its schema_migrations record, if any.
// A database that has never been migrated reports every version as pending.
func Status(ctx context.Context, db *sql.DB) ([]VersionStatus, error) {
	versions, err := Versions()
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check schema_migrations: %w", err)
	}
	applied := make(map[string]time.Time, len(versions))
	if exists {
		rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
		if err != nil {
			return nil, fmt.Errorf("read schema_migrations: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				v  string
				at time.Time
			)
			if err := rows.Scan(&v, &at); err != nil {
				return nil, fmt.Errorf("scan schema_migrations: %w", err)
			}
			applied[v] = at
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate schema_migrations: %w", err)
		}
	}

	out := make([]VersionStatus, 0, len(versions))
	for _, v := range versions {
		st := VersionStatus{Version: v}
		if at, ok := applied[v]; ok {
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// managedTables are dropped by Reset, dependents first.
var managedTables = []string{"voice_message_outbox", "voice_messages", "schema_migrations"} //nolint:gochecknoglobals // fixed list

// Reset drops every table the migrations own, inside one transaction holding the
// migration lock. Run must be called afterwards to recreate the schema.
func Reset(ctx context.Context, db *sql.DB) error {
	return pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Attempts: 1,
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}
			for _, table := range managedTables {
				if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
					return fmt.Errorf("drop %s: %w", table, err)
				}
			}
			return nil
		},
	})
}

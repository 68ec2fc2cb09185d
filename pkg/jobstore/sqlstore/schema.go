package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 3

// Migrate creates (or upgrades) the job schema in-place.
//
// Absent optional fields are stored as '' or 0 so conditional updates can
// compare them without NULL handling.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			input_file_name TEXT NOT NULL DEFAULT '',
			input_bucket TEXT NOT NULL DEFAULT '',
			input_key TEXT NOT NULL,
			submit_time INTEGER NOT NULL,
			job_status TEXT NOT NULL,
			run_time INTEGER NOT NULL DEFAULT 0,
			complete_time INTEGER NOT NULL DEFAULT 0,
			result_bucket TEXT NOT NULL DEFAULT '',
			result_key TEXT NOT NULL DEFAULT '',
			log_bucket TEXT NOT NULL DEFAULT '',
			log_key TEXT NOT NULL DEFAULT '',
			-- result_archive_id is '' while the result lives in the hot tier.
			result_archive_id TEXT NOT NULL DEFAULT '',
			restore_time INTEGER NOT NULL DEFAULT 0,
			recipients TEXT NOT NULL DEFAULT '',
			user_role TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id, submit_time);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_archive_id ON jobs(result_archive_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(job_status);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: track claim attempts for the reconciler.
	if current < 2 {
		alters := []string{
			`ALTER TABLE jobs ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	// v3: track reconciler republishes of stale PENDING jobs.
	if current < 3 {
		alters := []string{
			`ALTER TABLE jobs ADD COLUMN republish_time INTEGER NOT NULL DEFAULT 0;`,
			`ALTER TABLE jobs ADD COLUMN republishes INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

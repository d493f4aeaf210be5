package store

import (
	"database/sql"

	"github.com/mandiant/harbinger-sub002/errors"
)

// Migrate creates the core tables if they do not exist.
// Schema lives next to the store that owns it.
func Migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			target_os     TEXT NOT NULL DEFAULT '',
			backend_id    TEXT NOT NULL,
			command       TEXT NOT NULL DEFAULT '',
			arguments     TEXT,
			status        TEXT NOT NULL DEFAULT 'created',
			exit_code     INTEGER,
			output        TEXT NOT NULL DEFAULT '',
			output_files  TEXT,
			error         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			started_at    TIMESTAMP,
			completed_at  TIMESTAMP,
			updated_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_backend ON jobs(backend_id)`,

		`CREATE TABLE IF NOT EXISTS plans (
			id          TEXT PRIMARY KEY,
			objective   TEXT NOT NULL DEFAULT '',
			llm_status  TEXT NOT NULL DEFAULT 'INACTIVE',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id          TEXT PRIMARY KEY,
			workflow    TEXT NOT NULL,
			task_queue  TEXT NOT NULL,
			state       TEXT NOT NULL DEFAULT 'pending',
			input       TEXT,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_queue_state ON workflow_instances(task_queue, state)`,

		`CREATE TABLE IF NOT EXISTS entity_changes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity      TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			op          TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "failed to run migration")
		}
	}

	return nil
}

package store

import "database/sql"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS job_records (
    test TEXT NOT NULL,
    counter INTEGER NOT NULL,
    submit_time INTEGER NOT NULL DEFAULT 0,
    start_time INTEGER NOT NULL DEFAULT 0,
    end_time INTEGER NOT NULL DEFAULT 0,
    submit_status INTEGER NOT NULL DEFAULT 0,
    scheduler_job_id TEXT NOT NULL DEFAULT '',
    submit_output TEXT,
    completed INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL DEFAULT '',
    exit_status INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    node TEXT NOT NULL DEFAULT '',
    attributes TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    PRIMARY KEY (test, counter)
);
CREATE INDEX IF NOT EXISTS idx_job_records_scheduler_id ON job_records(test, scheduler_job_id);
CREATE INDEX IF NOT EXISTS idx_job_records_end_time ON job_records(test, end_time);
CREATE TABLE IF NOT EXISTS test_counters (
    test TEXT PRIMARY KEY,
    issued INTEGER NOT NULL
);
`

// RunMigrations applies the database schema migrations.
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(migrationSQL)
	return err
}

package sqlite

import (
	"context"
	"database/sql"
)

// Migrate runs all database migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Ledger entries: one row per task and exact input key
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			task_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			sample TEXT NOT NULL,
			input_key TEXT NOT NULL,
			inputs_json TEXT NOT NULL,
			outputs_json TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			stderr TEXT,
			run_id TEXT,
			recorded_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, input_key)
		)`,

		// Runs table
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT,
			graph_fingerprint TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			status INTEGER NOT NULL DEFAULT 0
		)`,

		// Terminal task states per run
		`CREATE TABLE IF NOT EXISTS run_tasks (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			state INTEGER NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			skipped_because_json TEXT,
			work_dir TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, task_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,

		// Indexes for efficient queries
		`CREATE INDEX IF NOT EXISTS idx_entries_stage ON ledger_entries(stage, sample)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_status ON ledger_entries(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}

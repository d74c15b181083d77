package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/example/riboflow/internal/domain"
)

type runRepo struct {
	tx *sql.Tx
}

func (r *runRepo) Create(ctx context.Context, run *domain.RunRecord) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, graph_fingerprint, started_at, finished_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Pipeline, string(run.GraphFingerprint), run.StartedAt, run.FinishedAt, run.Status)
	return err
}

func (r *runRepo) Get(ctx context.Context, id string) (*domain.RunRecord, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, pipeline, graph_fingerprint, started_at, finished_at, status
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return run, err
}

func (r *runRepo) Latest(ctx context.Context) (*domain.RunRecord, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, pipeline, graph_fingerprint, started_at, finished_at, status
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1
	`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return run, err
}

func (r *runRepo) List(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, pipeline, graph_fingerprint, started_at, finished_at, status
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *runRepo) Finish(ctx context.Context, id string, status domain.RunStatus, at time.Time) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, status, at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *runRepo) PutTask(ctx context.Context, runID string, rec *domain.TaskStateRecord) error {
	skipped := make([]string, len(rec.SkippedBecause))
	for i, id := range rec.SkippedBecause {
		skipped[i] = id.String()
	}
	skippedJSON, err := json.Marshal(skipped)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO run_tasks (
			run_id, task_id, state, exit_code, message, skipped_because_json, work_dir, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			state = excluded.state,
			exit_code = excluded.exit_code,
			message = excluded.message,
			skipped_because_json = excluded.skipped_because_json,
			work_dir = excluded.work_dir,
			updated_at = excluded.updated_at
	`, runID, rec.TaskID.String(), rec.State, rec.ExitCode, rec.Message, string(skippedJSON),
		rec.WorkDir, rec.UpdatedAt)
	return err
}

func (r *runRepo) Tasks(ctx context.Context, runID string) ([]*domain.TaskStateRecord, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT task_id, state, exit_code, message, skipped_because_json, work_dir, updated_at
		FROM run_tasks WHERE run_id = ? ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.TaskStateRecord
	for rows.Next() {
		rec := &domain.TaskStateRecord{}
		var taskID string
		var message, skippedJSON, workDir sql.NullString
		if err := rows.Scan(&taskID, &rec.State, &rec.ExitCode, &message, &skippedJSON, &workDir, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.TaskID, err = domain.ParseTaskID(taskID); err != nil {
			return nil, err
		}
		if message.Valid {
			rec.Message = message.String
		}
		if workDir.Valid {
			rec.WorkDir = workDir.String
		}
		if skippedJSON.Valid && skippedJSON.String != "" {
			var skipped []string
			if err := json.Unmarshal([]byte(skippedJSON.String), &skipped); err != nil {
				return nil, err
			}
			for _, s := range skipped {
				id, err := domain.ParseTaskID(s)
				if err != nil {
					return nil, err
				}
				rec.SkippedBecause = append(rec.SkippedBecause, id)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRun(row scanner) (*domain.RunRecord, error) {
	run := &domain.RunRecord{}
	var pipeline, fingerprint sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&run.ID, &pipeline, &fingerprint, &run.StartedAt, &finishedAt, &run.Status)
	if err != nil {
		return nil, err
	}
	if pipeline.Valid {
		run.Pipeline = pipeline.String
	}
	if fingerprint.Valid {
		run.GraphFingerprint = domain.Hash(fingerprint.String)
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/storage"
)

type entryRepo struct {
	tx *sql.Tx
}

func (r *entryRepo) Put(ctx context.Context, e *domain.LedgerEntry) error {
	inputsJSON, err := json.Marshal(e.Inputs)
	if err != nil {
		return err
	}
	outputsJSON, err := json.Marshal(e.Outputs)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			task_id, stage, sample, input_key, inputs_json, outputs_json,
			status, exit_code, stderr, run_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, input_key) DO UPDATE SET
			inputs_json = excluded.inputs_json,
			outputs_json = excluded.outputs_json,
			status = excluded.status,
			exit_code = excluded.exit_code,
			stderr = excluded.stderr,
			run_id = excluded.run_id,
			recorded_at = excluded.recorded_at
	`, e.TaskID.String(), e.TaskID.Stage, e.TaskID.Sample, string(e.InputKey),
		string(inputsJSON), string(outputsJSON), string(e.Status), e.ExitCode,
		e.Stderr, e.RunID, e.RecordedAt)
	return err
}

const entryColumns = `task_id, input_key, inputs_json, outputs_json, status,
	exit_code, stderr, run_id, recorded_at`

func (r *entryRepo) Get(ctx context.Context, taskID domain.TaskID, inputKey domain.Hash) (*domain.LedgerEntry, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE task_id = ? AND input_key = ?
	`, taskID.String(), string(inputKey))

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *entryRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE 1=1`
	var args []any

	if len(opts.TaskIDs) > 0 {
		query += " AND task_id IN (?" + strings.Repeat(",?", len(opts.TaskIDs)-1) + ")"
		for _, id := range opts.TaskIDs {
			args = append(args, id.String())
		}
	}
	if len(opts.Stages) > 0 {
		query += " AND stage IN (?" + strings.Repeat(",?", len(opts.Stages)-1) + ")"
		for _, s := range opts.Stages {
			args = append(args, s)
		}
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY stage, sample, recorded_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *entryRepo) DeleteTask(ctx context.Context, taskID domain.TaskID) (int, error) {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE task_id = ?`, taskID.String())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.LedgerEntry, error) {
	e := &domain.LedgerEntry{}
	var taskID, inputKey, inputsJSON, outputsJSON, status string
	var stderr, runID sql.NullString

	err := row.Scan(&taskID, &inputKey, &inputsJSON, &outputsJSON, &status,
		&e.ExitCode, &stderr, &runID, &e.RecordedAt)
	if err != nil {
		return nil, err
	}

	if e.TaskID, err = domain.ParseTaskID(taskID); err != nil {
		return nil, err
	}
	e.InputKey = domain.Hash(inputKey)
	e.Status = domain.EntryStatus(status)
	if stderr.Valid {
		e.Stderr = stderr.String
	}
	if runID.Valid {
		e.RunID = runID.String
	}
	if err := json.Unmarshal([]byte(inputsJSON), &e.Inputs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outputsJSON), &e.Outputs); err != nil {
		return nil, err
	}
	return e, nil
}

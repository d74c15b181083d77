package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/riboflow/internal/domain"
)

// Ledger is the durable record of task outcomes and runs. Every method is
// atomic; recording the same entry twice leaves the ledger unchanged.
type Ledger interface {
	// RecordCompletion stores a task's terminal outcome for one input key.
	// The last write for a (task, input key) pair wins.
	RecordCompletion(ctx context.Context, entry *domain.LedgerEntry) error

	// Lookup returns the succeeded entry for a task and input key, or
	// domain.ErrNotFound.
	Lookup(ctx context.Context, taskID domain.TaskID, inputKey domain.Hash) (*domain.LedgerEntry, error)

	// Entries lists entries matching opts.
	Entries(ctx context.Context, opts ListOptions) ([]*domain.LedgerEntry, error)

	// Forget removes every entry of a task so it recomputes on the next run.
	Forget(ctx context.Context, taskID domain.TaskID) (int, error)

	BeginRun(ctx context.Context, run *domain.RunRecord) error
	RecordTaskState(ctx context.Context, runID string, rec *domain.TaskStateRecord) error
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, at time.Time) error
	Run(ctx context.Context, runID string) (*domain.RunRecord, error)
	LatestRun(ctx context.Context) (*domain.RunRecord, error)
	Runs(ctx context.Context, limit int) ([]*domain.RunRecord, error)
	RunTasks(ctx context.Context, runID string) ([]*domain.TaskStateRecord, error)

	Close() error
}

// TxLedger implements Ledger on top of a transactional Storage.
type TxLedger struct {
	store Storage
}

// NewLedger migrates s and returns a Ledger backed by it.
func NewLedger(ctx context.Context, s Storage) (*TxLedger, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}
	return &TxLedger{store: s}, nil
}

// withTx runs fn in one transaction, committing on success.
func (l *TxLedger) withTx(ctx context.Context, fn func(uow UnitOfWork) error) error {
	uow, err := l.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}

func (l *TxLedger) RecordCompletion(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.TaskID.Stage == "" || entry.InputKey == "" {
		return fmt.Errorf("%w: ledger entry needs a task id and input key", domain.ErrInvalidState)
	}
	return l.withTx(ctx, func(uow UnitOfWork) error {
		return uow.Entries().Put(ctx, entry)
	})
}

func (l *TxLedger) Lookup(ctx context.Context, taskID domain.TaskID, inputKey domain.Hash) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		entry, err = uow.Entries().Get(ctx, taskID, inputKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !entry.Succeeded() {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}

func (l *TxLedger) Entries(ctx context.Context, opts ListOptions) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		entries, err = uow.Entries().List(ctx, opts)
		return err
	})
	return entries, err
}

func (l *TxLedger) Forget(ctx context.Context, taskID domain.TaskID) (int, error) {
	var n int
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		n, err = uow.Entries().DeleteTask(ctx, taskID)
		return err
	})
	return n, err
}

func (l *TxLedger) BeginRun(ctx context.Context, run *domain.RunRecord) error {
	return l.withTx(ctx, func(uow UnitOfWork) error {
		return uow.Runs().Create(ctx, run)
	})
}

func (l *TxLedger) RecordTaskState(ctx context.Context, runID string, rec *domain.TaskStateRecord) error {
	return l.withTx(ctx, func(uow UnitOfWork) error {
		if _, err := uow.Runs().Get(ctx, runID); err != nil {
			return fmt.Errorf("run %s: %w", runID, err)
		}
		return uow.Runs().PutTask(ctx, runID, rec)
	})
}

func (l *TxLedger) FinishRun(ctx context.Context, runID string, status domain.RunStatus, at time.Time) error {
	return l.withTx(ctx, func(uow UnitOfWork) error {
		return uow.Runs().Finish(ctx, runID, status, at)
	})
}

func (l *TxLedger) Run(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var run *domain.RunRecord
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		run, err = uow.Runs().Get(ctx, runID)
		return err
	})
	return run, err
}

func (l *TxLedger) LatestRun(ctx context.Context) (*domain.RunRecord, error) {
	var run *domain.RunRecord
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		run, err = uow.Runs().Latest(ctx)
		return err
	})
	return run, err
}

func (l *TxLedger) Runs(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	var runs []*domain.RunRecord
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		runs, err = uow.Runs().List(ctx, limit)
		return err
	})
	return runs, err
}

func (l *TxLedger) RunTasks(ctx context.Context, runID string) ([]*domain.TaskStateRecord, error) {
	var recs []*domain.TaskStateRecord
	err := l.withTx(ctx, func(uow UnitOfWork) error {
		if _, err := uow.Runs().Get(ctx, runID); err != nil {
			return err
		}
		var err error
		recs, err = uow.Runs().Tasks(ctx, runID)
		return err
	})
	return recs, err
}

func (l *TxLedger) Close() error {
	return l.store.Close()
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

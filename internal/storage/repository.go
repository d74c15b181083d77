package storage

import (
	"context"
	"time"

	"github.com/example/riboflow/internal/domain"
)

// ListOptions provides filtering options for list operations.
type ListOptions struct {
	// Task IDs to filter by (empty = all)
	TaskIDs []domain.TaskID

	// Stages to filter by (empty = all)
	Stages []string

	// Status to filter by (empty = all)
	Status domain.EntryStatus

	// Pagination
	Limit  int
	Offset int
}

// EntryRepository provides access to ledger entries.
type EntryRepository interface {
	// Put inserts an entry, replacing any entry with the same task and input key.
	Put(ctx context.Context, entry *domain.LedgerEntry) error

	// Get retrieves the entry for a task and input key.
	Get(ctx context.Context, taskID domain.TaskID, inputKey domain.Hash) (*domain.LedgerEntry, error)

	// List lists entries ordered by task id, most recent first within a task.
	List(ctx context.Context, opts ListOptions) ([]*domain.LedgerEntry, error)

	// DeleteTask deletes every entry of a task and returns how many were removed.
	DeleteTask(ctx context.Context, taskID domain.TaskID) (int, error)
}

// RunRepository provides access to run records and per-run task states.
type RunRepository interface {
	// Create creates a new run.
	Create(ctx context.Context, run *domain.RunRecord) error

	// Get retrieves a run by ID.
	Get(ctx context.Context, id string) (*domain.RunRecord, error)

	// Latest retrieves the most recently started run.
	Latest(ctx context.Context) (*domain.RunRecord, error)

	// List lists runs, most recently started first. A limit <= 0 lists all.
	List(ctx context.Context, limit int) ([]*domain.RunRecord, error)

	// Finish stores the final status of a run.
	Finish(ctx context.Context, id string, status domain.RunStatus, at time.Time) error

	// PutTask inserts or replaces the state of a task within a run.
	PutTask(ctx context.Context, runID string, rec *domain.TaskStateRecord) error

	// Tasks lists the task states of a run ordered by task id.
	Tasks(ctx context.Context, runID string) ([]*domain.TaskStateRecord, error)
}

// UnitOfWork provides transactional access to all repositories.
type UnitOfWork interface {
	// Repository accessors
	Entries() EntryRepository
	Runs() RunRepository

	// Transaction control
	Commit() error
	Rollback() error
}

// Storage provides the main entry point for storage operations.
type Storage interface {
	// Begin starts a new transaction and returns a UnitOfWork.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Close closes the storage connection.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// Package sqlite stores the run ledger in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/riboflow/internal/storage"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage instance. Use ":memory:" for a private
// in-memory database.
func New(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with single connection for writes
	db.SetMaxIdleConns(1)

	return &SQLiteStorage{db: db}, nil
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(ctx context.Context, path string) (*storage.TxLedger, error) {
	s, err := New(path)
	if err != nil {
		return nil, err
	}
	l, err := storage.NewLedger(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return l, nil
}

// Begin starts a new transaction.
func (s *SQLiteStorage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newUnitOfWork(tx), nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// unitOfWork implements the UnitOfWork interface.
type unitOfWork struct {
	tx      *sql.Tx
	entries *entryRepo
	runs    *runRepo
}

func newUnitOfWork(tx *sql.Tx) *unitOfWork {
	return &unitOfWork{
		tx:      tx,
		entries: &entryRepo{tx: tx},
		runs:    &runRepo{tx: tx},
	}
}

func (u *unitOfWork) Entries() storage.EntryRepository {
	return u.entries
}

func (u *unitOfWork) Runs() storage.RunRepository {
	return u.runs
}

func (u *unitOfWork) Commit() error {
	return u.tx.Commit()
}

func (u *unitOfWork) Rollback() error {
	return u.tx.Rollback()
}

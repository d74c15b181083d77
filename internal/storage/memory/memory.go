// Package memory is an in-process Storage for tests and dry runs. A unit of
// work holds the store lock from Begin until Commit or Rollback and writes to
// a copy that Commit publishes.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/storage"
)

type entryKey struct {
	task domain.TaskID
	key  domain.Hash
}

type runTaskKey struct {
	run  string
	task domain.TaskID
}

type state struct {
	entries  map[entryKey]domain.LedgerEntry
	runs     map[string]domain.RunRecord
	runOrder []string
	runTasks map[runTaskKey]domain.TaskStateRecord
}

func (s *state) clone() *state {
	return &state{
		entries:  maps.Clone(s.entries),
		runs:     maps.Clone(s.runs),
		runOrder: slices.Clone(s.runOrder),
		runTasks: maps.Clone(s.runTasks),
	}
}

// Storage implements storage.Storage in memory.
type Storage struct {
	mu      sync.Mutex
	current *state
}

// New creates an empty in-memory storage.
func New() *Storage {
	return &Storage{current: &state{
		entries:  make(map[entryKey]domain.LedgerEntry),
		runs:     make(map[string]domain.RunRecord),
		runTasks: make(map[runTaskKey]domain.TaskStateRecord),
	}}
}

// NewLedger returns a ledger over a fresh in-memory storage.
func NewLedger() *storage.TxLedger {
	l, _ := storage.NewLedger(context.Background(), New())
	return l
}

func (s *Storage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &unitOfWork{store: s, work: s.current.clone()}, nil
}

func (s *Storage) Close() error { return nil }

func (s *Storage) Migrate(ctx context.Context) error { return nil }

type unitOfWork struct {
	store *Storage
	work  *state
	done  bool
}

func (u *unitOfWork) Entries() storage.EntryRepository { return (*entryRepo)(u) }
func (u *unitOfWork) Runs() storage.RunRepository      { return (*runRepo)(u) }

func (u *unitOfWork) Commit() error {
	if u.done {
		return domain.ErrInvalidState
	}
	u.done = true
	u.store.current = u.work
	u.store.mu.Unlock()
	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.store.mu.Unlock()
	return nil
}

type entryRepo unitOfWork

func (r *entryRepo) Put(ctx context.Context, e *domain.LedgerEntry) error {
	cp := *e
	cp.Inputs = slices.Clone(e.Inputs)
	cp.Outputs = slices.Clone(e.Outputs)
	r.work.entries[entryKey{e.TaskID, e.InputKey}] = cp
	return nil
}

func (r *entryRepo) Get(ctx context.Context, taskID domain.TaskID, inputKey domain.Hash) (*domain.LedgerEntry, error) {
	e, ok := r.work.entries[entryKey{taskID, inputKey}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (r *entryRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	for _, e := range r.work.entries {
		if len(opts.TaskIDs) > 0 && !slices.Contains(opts.TaskIDs, e.TaskID) {
			continue
		}
		if len(opts.Stages) > 0 && !slices.Contains(opts.Stages, e.TaskID.Stage) {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TaskID.Compare(out[j].TaskID); c != 0 {
			return c < 0
		}
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *entryRepo) DeleteTask(ctx context.Context, taskID domain.TaskID) (int, error) {
	n := 0
	for k := range r.work.entries {
		if k.task == taskID {
			delete(r.work.entries, k)
			n++
		}
	}
	return n, nil
}

type runRepo unitOfWork

func (r *runRepo) Create(ctx context.Context, run *domain.RunRecord) error {
	if _, ok := r.work.runs[run.ID]; ok {
		return domain.ErrInvalidState
	}
	r.work.runs[run.ID] = *run
	r.work.runOrder = append(r.work.runOrder, run.ID)
	return nil
}

func (r *runRepo) Get(ctx context.Context, id string) (*domain.RunRecord, error) {
	run, ok := r.work.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &run, nil
}

func (r *runRepo) Latest(ctx context.Context) (*domain.RunRecord, error) {
	if len(r.work.runOrder) == 0 {
		return nil, domain.ErrNotFound
	}
	return r.Get(ctx, r.work.runOrder[len(r.work.runOrder)-1])
}

func (r *runRepo) List(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	var out []*domain.RunRecord
	for i := len(r.work.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		run := r.work.runs[r.work.runOrder[i]]
		out = append(out, &run)
	}
	return out, nil
}

func (r *runRepo) Finish(ctx context.Context, id string, status domain.RunStatus, at time.Time) error {
	run, ok := r.work.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = &at
	r.work.runs[id] = run
	return nil
}

func (r *runRepo) PutTask(ctx context.Context, runID string, rec *domain.TaskStateRecord) error {
	cp := *rec
	cp.SkippedBecause = slices.Clone(rec.SkippedBecause)
	r.work.runTasks[runTaskKey{runID, rec.TaskID}] = cp
	return nil
}

func (r *runRepo) Tasks(ctx context.Context, runID string) ([]*domain.TaskStateRecord, error) {
	var out []*domain.TaskStateRecord
	for k, rec := range r.work.runTasks {
		if k.run != runID {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TaskID.String() < out[j].TaskID.String()
	})
	return out, nil
}

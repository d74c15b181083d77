package scheduler

import (
	"errors"
	"slices"
	"time"

	"github.com/example/riboflow/internal/domain"
)

// TaskResult is the terminal state of one task in a run.
type TaskResult struct {
	TaskID   domain.TaskID
	State    domain.RunState
	ExitCode int

	// Err explains a Failed or cancelled task; failures are *domain.TaskError.
	Err    error
	Stderr string

	// SkippedBecause lists the failed tasks that caused a skip.
	SkippedBecause []domain.TaskID

	// Samples are the samples a dataset task aggregated.
	Samples []string

	Attempts int
	Duration time.Duration
	WorkDir  string
}

// Cancelled reports whether the task ended because the run was interrupted.
func (t *TaskResult) Cancelled() bool {
	return errors.Is(t.Err, domain.ErrCancelled)
}

func (t *TaskResult) record(at time.Time) *domain.TaskStateRecord {
	rec := &domain.TaskStateRecord{
		TaskID:         t.TaskID,
		State:          t.State,
		ExitCode:       t.ExitCode,
		SkippedBecause: slices.Clone(t.SkippedBecause),
		WorkDir:        t.WorkDir,
		UpdatedAt:      at,
	}
	if t.Err != nil {
		rec.Message = t.Err.Error()
	}
	return rec
}

// Result is the outcome of a run.
type Result struct {
	RunID      string
	Status     domain.RunStatus
	Tasks      []*TaskResult // topological order
	Warnings   []error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Task returns the result of a task.
func (r *Result) Task(id domain.TaskID) (*TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return nil, false
}

// Count returns how many tasks ended in state.
func (r *Result) Count(state domain.RunState) int {
	n := 0
	for _, t := range r.Tasks {
		if t.State == state {
			n++
		}
	}
	return n
}

// Failures returns the failed tasks.
func (r *Result) Failures() []*TaskResult {
	var out []*TaskResult
	for _, t := range r.Tasks {
		if t.State == domain.RunStateFailed {
			out = append(out, t)
		}
	}
	return out
}

// SkippedBy returns the tasks skipped because id failed, sorted.
func (r *Result) SkippedBy(id domain.TaskID) []domain.TaskID {
	var out []domain.TaskID
	for _, t := range r.Tasks {
		if slices.Contains(t.SkippedBecause, id) {
			out = append(out, t.TaskID)
		}
	}
	slices.SortFunc(out, domain.TaskID.Compare)
	return out
}

package domain

import "time"

// EntryStatus is the outcome recorded for a task in the ledger.
type EntryStatus string

const (
	EntrySucceeded EntryStatus = "succeeded"
	EntryFailed    EntryStatus = "failed"
)

// InputFingerprint records the content of one artifact bound to a task input.
type InputFingerprint struct {
	Name string      `json:"name"`
	Key  ArtifactKey `json:"key"`
	Hash Hash        `json:"hash"`
}

// OutputFingerprint records the content of one produced file.
type OutputFingerprint struct {
	Key  ArtifactKey `json:"key"`
	Path string      `json:"path"` // relative to the task's working area
	Hash Hash        `json:"hash"`
}

// LedgerEntry is the durable record of a task's terminal outcome for one
// exact set of inputs.
type LedgerEntry struct {
	TaskID     TaskID
	InputKey   Hash
	Inputs     []InputFingerprint
	Outputs    []OutputFingerprint
	Status     EntryStatus
	ExitCode   int
	Stderr     string
	RunID      string
	RecordedAt time.Time
}

// Succeeded reports whether the entry may satisfy a cache lookup.
func (e *LedgerEntry) Succeeded() bool { return e.Status == EntrySucceeded }

// RunRecord describes one invocation of the scheduler.
type RunRecord struct {
	ID               string
	Pipeline         string
	GraphFingerprint Hash
	StartedAt        time.Time
	FinishedAt       *time.Time
	Status           RunStatus
}

// TaskStateRecord is the terminal state of a task within a run.
type TaskStateRecord struct {
	TaskID         TaskID
	State          RunState
	ExitCode       int
	Message        string
	SkippedBecause []TaskID
	WorkDir        string
	UpdatedAt      time.Time
}

package web

import (
	"time"

	"github.com/example/riboflow/internal/domain"
)

// RunSummary is a run as listed by GET /api/runs/.
type RunSummary struct {
	ID               string     `json:"id"`
	Pipeline         string     `json:"pipeline"`
	GraphFingerprint string     `json:"graphFingerprint"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// ListRunsResponse is the response for GET /api/runs/.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunResponse is the response for GET /api/runs/:id.
type RunResponse struct {
	RunSummary
	ExitCode int            `json:"exitCode"`
	Counts   map[string]int `json:"counts"`
	Samples  []SampleInfo   `json:"samples"`
}

// SampleInfo says whether every per-sample task of a sample succeeded.
type SampleInfo struct {
	Sample string   `json:"sample"`
	State  string   `json:"state"`
	Failed []string `json:"failed,omitempty"`
}

// TimelineResponse is the response for GET /api/runs/:id/timeline.
type TimelineResponse struct {
	RunID string         `json:"runId"`
	Tasks []TimelineTask `json:"tasks"`
}

// TimelineTask is the last recorded state of one task in a run.
type TimelineTask struct {
	ID             string    `json:"id"`
	Stage          string    `json:"stage"`
	Sample         string    `json:"sample"`
	State          string    `json:"state"`
	ExitCode       int       `json:"exitCode,omitempty"`
	Message        string    `json:"message,omitempty"`
	SkippedBecause []string  `json:"skippedBecause,omitempty"`
	WorkDir        string    `json:"workDir,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// EntryInfo is a ledger entry as listed by GET /api/entries.
type EntryInfo struct {
	Task       string    `json:"task"`
	InputKey   string    `json:"inputKey"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exitCode"`
	Outputs    []string  `json:"outputs"`
	RunID      string    `json:"runId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// ListEntriesResponse is the response for GET /api/entries.
type ListEntriesResponse struct {
	Entries []EntryInfo `json:"entries"`
}

func convertRun(r *domain.RunRecord) RunSummary {
	return RunSummary{
		ID:               r.ID,
		Pipeline:         r.Pipeline,
		GraphFingerprint: string(r.GraphFingerprint),
		Status:           r.Status.String(),
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

func convertTask(rec *domain.TaskStateRecord) TimelineTask {
	t := TimelineTask{
		ID:        rec.TaskID.String(),
		Stage:     rec.TaskID.Stage,
		Sample:    rec.TaskID.Sample,
		State:     rec.State.String(),
		ExitCode:  rec.ExitCode,
		Message:   rec.Message,
		WorkDir:   rec.WorkDir,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, id := range rec.SkippedBecause {
		t.SkippedBecause = append(t.SkippedBecause, id.String())
	}
	return t
}

func convertEntry(e *domain.LedgerEntry) EntryInfo {
	info := EntryInfo{
		Task:       e.TaskID.String(),
		InputKey:   string(e.InputKey),
		Status:     string(e.Status),
		ExitCode:   e.ExitCode,
		Outputs:    make([]string, 0, len(e.Outputs)),
		RunID:      e.RunID,
		RecordedAt: e.RecordedAt,
	}
	for _, o := range e.Outputs {
		info.Outputs = append(info.Outputs, o.Path)
	}
	return info
}

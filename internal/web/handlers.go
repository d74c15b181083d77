package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/riboflow/internal/ctxlog"
	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/report"
	"github.com/example/riboflow/internal/storage"
	"github.com/example/riboflow/pkg/id"
)

// Handlers contains HTTP handlers for the ledger API.
type Handlers struct {
	ledger storage.Ledger
}

// NewHandlers creates new API handlers.
func NewHandlers(ledger storage.Ledger) *Handlers {
	return &Handlers{ledger: ledger}
}

// ListRuns handles GET /api/runs/?limit=N
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.ledger.Runs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list runs", err)
		return
	}
	response := ListRunsResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		response.Runs = append(response.Runs, convertRun(run))
	}
	writeJSON(w, response)
}

// GetRun handles GET /api/runs/:id
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, recs, ok := h.loadRun(w, r, runID)
	if !ok {
		return
	}
	summary := report.FromLedger(run, recs)
	response := RunResponse{
		RunSummary: convertRun(run),
		ExitCode:   run.Status.ExitCode(),
		Counts:     make(map[string]int, len(summary.Counts)),
		Samples:    make([]SampleInfo, 0, len(summary.Samples)),
	}
	for state, n := range summary.Counts {
		response.Counts[state.String()] = n
	}
	for _, s := range summary.Samples {
		info := SampleInfo{Sample: s.Sample, State: s.State}
		for _, t := range s.Failed {
			info.Failed = append(info.Failed, t.String())
		}
		response.Samples = append(response.Samples, info)
	}
	writeJSON(w, response)
}

// GetTimeline handles GET /api/runs/:id/timeline
func (h *Handlers) GetTimeline(w http.ResponseWriter, r *http.Request, runID string) {
	run, recs, ok := h.loadRun(w, r, runID)
	if !ok {
		return
	}
	response := TimelineResponse{RunID: run.ID, Tasks: make([]TimelineTask, 0, len(recs))}
	for _, rec := range recs {
		response.Tasks = append(response.Tasks, convertTask(rec))
	}
	writeJSON(w, response)
}

// ListEntries handles GET /api/entries?task=T&stage=S&status=X&limit=N
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts storage.ListOptions
	if s := q.Get("task"); s != "" {
		taskID, err := domain.ParseTaskID(s)
		if err != nil {
			http.Error(w, "Invalid task: "+err.Error(), http.StatusBadRequest)
			return
		}
		opts.TaskIDs = []domain.TaskID{taskID}
	}
	if s := q.Get("stage"); s != "" {
		opts.Stages = []string{s}
	}
	switch s := domain.EntryStatus(q.Get("status")); s {
	case "", domain.EntrySucceeded, domain.EntryFailed:
		opts.Status = s
	default:
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}

	entries, err := h.ledger.Entries(r.Context(), opts)
	if err != nil {
		h.fail(w, r, "Failed to list entries", err)
		return
	}
	response := ListEntriesResponse{Entries: make([]EntryInfo, 0, len(entries))}
	for _, e := range entries {
		response.Entries = append(response.Entries, convertEntry(e))
	}
	writeJSON(w, response)
}

// loadRun resolves a run id or unique prefix and reads its task states. It
// writes the error response itself and reports false on failure.
func (h *Handlers) loadRun(w http.ResponseWriter, r *http.Request, runID string) (*domain.RunRecord, []*domain.TaskStateRecord, bool) {
	ctx := r.Context()
	runID = strings.TrimSuffix(runID, "/")
	if runID == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return nil, nil, false
	}

	runs, err := h.ledger.Runs(ctx, 0)
	if err != nil {
		h.fail(w, r, "Failed to list runs", err)
		return nil, nil, false
	}
	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	match, ok := id.MatchPrefix(ids, runID)
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return nil, nil, false
	}

	run, err := h.ledger.Run(ctx, match)
	if err != nil {
		h.fail(w, r, "Failed to get run", err)
		return nil, nil, false
	}
	recs, err := h.ledger.RunTasks(ctx, run.ID)
	if err != nil {
		h.fail(w, r, "Failed to get run tasks", err)
		return nil, nil, false
	}
	return run, recs, true
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	ctxlog.FromContext(r.Context()).Error(msg, "path", r.URL.Path, "error", err)
	http.Error(w, msg+": "+err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/storage/memory"
)

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func task(stage, sample string) domain.TaskID {
	return domain.TaskID{Stage: stage, Sample: sample}
}

// newTestServer returns a server over a ledger holding one finished run with
// a failed sample and one unfinished run.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	l := memory.NewLedger()
	t.Cleanup(func() { l.Close() })

	first := &domain.RunRecord{ID: "aaa111", Pipeline: "demo", GraphFingerprint: "fp", StartedAt: started}
	if err := l.BeginRun(ctx, first); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	recs := []*domain.TaskStateRecord{
		{TaskID: task("trim", "X"), State: domain.RunStateSucceeded, UpdatedAt: started},
		{TaskID: task("trim", "Y"), State: domain.RunStateFailed, ExitCode: 1, Message: "exit status 1", UpdatedAt: started},
		{TaskID: task("collate", domain.DatasetSample), State: domain.RunStateSkipped,
			SkippedBecause: []domain.TaskID{task("trim", "Y")}, UpdatedAt: started},
	}
	for _, rec := range recs {
		if err := l.RecordTaskState(ctx, first.ID, rec); err != nil {
			t.Fatalf("RecordTaskState: %v", err)
		}
	}
	if err := l.FinishRun(ctx, first.ID, domain.RunStatusPartialFailure, started.Add(time.Minute)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := l.BeginRun(ctx, &domain.RunRecord{ID: "bbb222", Pipeline: "demo", StartedAt: started.Add(time.Hour)}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	entries := []*domain.LedgerEntry{
		{TaskID: task("trim", "X"), InputKey: "k1", Status: domain.EntrySucceeded, RunID: first.ID, RecordedAt: started,
			Outputs: []domain.OutputFingerprint{{Key: domain.ArtifactKey{Name: "trim_fq", Sample: "X"}, Path: "trim.fq", Hash: "h1"}}},
		{TaskID: task("trim", "Y"), InputKey: "k2", Status: domain.EntryFailed, ExitCode: 1, RunID: first.ID, RecordedAt: started},
	}
	for _, e := range entries {
		if err := l.RecordCompletion(ctx, e); err != nil {
			t.Fatalf("RecordCompletion: %v", err)
		}
	}
	return NewServer(":0", l)
}

func get(t *testing.T, s *Server, path string, wantStatus int, v any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != wantStatus {
		t.Fatalf("GET %s: status = %d, want %d; body: %s", path, rr.Code, wantStatus, rr.Body.String())
	}
	if v == nil {
		return
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s: Content-Type = %q, want application/json", path, ct)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v; body: %s", path, err, rr.Body.String())
	}
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t)

	var all ListRunsResponse
	get(t, s, "/api/runs/", http.StatusOK, &all)
	var ids []string
	for _, r := range all.Runs {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"bbb222", "aaa111"}, ids); diff != "" {
		t.Errorf("run ids (-want +got):\n%s", diff)
	}
	if all.Runs[0].FinishedAt != nil {
		t.Errorf("unfinished run reported a finish time")
	}

	var limited ListRunsResponse
	get(t, s, "/api/runs/?limit=1", http.StatusOK, &limited)
	if len(limited.Runs) != 1 {
		t.Errorf("limit=1 returned %d runs", len(limited.Runs))
	}
	get(t, s, "/api/runs/?limit=x", http.StatusBadRequest, nil)
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t)

	var got RunResponse
	get(t, s, "/api/runs/aaa", http.StatusOK, &got)
	if got.ID != "aaa111" || got.Status != "PARTIAL_FAILURE" || got.ExitCode != domain.ExitPartialFailure {
		t.Errorf("run = %+v", got.RunSummary)
	}
	wantCounts := map[string]int{"SUCCEEDED": 1, "FAILED": 1, "SKIPPED": 1}
	if diff := cmp.Diff(wantCounts, got.Counts); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
	wantSamples := []SampleInfo{
		{Sample: "X", State: "complete"},
		{Sample: "Y", State: "failed", Failed: []string{"trim@Y"}},
	}
	if diff := cmp.Diff(wantSamples, got.Samples); diff != "" {
		t.Errorf("samples (-want +got):\n%s", diff)
	}
}

func TestGetTimeline(t *testing.T) {
	s := newTestServer(t)

	var got TimelineResponse
	get(t, s, "/api/runs/aaa111/timeline", http.StatusOK, &got)
	if got.RunID != "aaa111" || len(got.Tasks) != 3 {
		t.Fatalf("timeline = %+v", got)
	}
	byID := make(map[string]TimelineTask)
	for _, task := range got.Tasks {
		byID[task.ID] = task
	}
	if f := byID["trim@Y"]; f.State != "FAILED" || f.ExitCode != 1 || f.Message != "exit status 1" {
		t.Errorf("trim@Y = %+v", f)
	}
	skipped := byID["collate@dataset"]
	if diff := cmp.Diff([]string{"trim@Y"}, skipped.SkippedBecause); diff != "" {
		t.Errorf("skipped because (-want +got):\n%s", diff)
	}
}

func TestListEntries(t *testing.T) {
	s := newTestServer(t)

	var all ListEntriesResponse
	get(t, s, "/api/entries", http.StatusOK, &all)
	if len(all.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(all.Entries))
	}

	var failed ListEntriesResponse
	get(t, s, "/api/entries?status=failed", http.StatusOK, &failed)
	if len(failed.Entries) != 1 || failed.Entries[0].Task != "trim@Y" {
		t.Errorf("failed entries = %+v", failed.Entries)
	}

	var one ListEntriesResponse
	get(t, s, "/api/entries?task=trim@X", http.StatusOK, &one)
	if len(one.Entries) != 1 || cmp.Diff([]string{"trim.fq"}, one.Entries[0].Outputs) != "" {
		t.Errorf("trim@X entries = %+v", one.Entries)
	}

	get(t, s, "/api/entries?status=bogus", http.StatusBadRequest, nil)
}

// TestAPIRouting checks that nested run paths reach the API handlers instead
// of falling through to the index page.
func TestAPIRouting(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"list runs", http.MethodGet, "/api/runs/", http.StatusOK},
		{"list runs without slash redirects", http.MethodGet, "/api/runs", http.StatusMovedPermanently},
		{"run by prefix", http.MethodGet, "/api/runs/bbb", http.StatusOK},
		{"unknown run", http.MethodGet, "/api/runs/zzz", http.StatusNotFound},
		{"unknown timeline", http.MethodGet, "/api/runs/zzz/timeline", http.StatusNotFound},
		{"write rejected", http.MethodPost, "/api/runs/", http.StatusMethodNotAllowed},
		{"preflight", http.MethodOptions, "/api/runs/", http.StatusOK},
		{"index", http.MethodGet, "/", http.StatusOK},
		{"unknown page", http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, rr.Code, tt.wantStatus)
			}
		})
	}
}

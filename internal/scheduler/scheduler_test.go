package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/riboflow/internal/contentstore"
	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/graph"
	"github.com/example/riboflow/internal/observability"
	"github.com/example/riboflow/internal/pipeline"
	"github.com/example/riboflow/internal/runner"
	"github.com/example/riboflow/internal/storage"
	"github.com/example/riboflow/internal/storage/memory"
	"github.com/example/riboflow/internal/workspace"
)

const trimAlignSort = `
name: tas
env: {LC_ALL: C}
inputs:
  dataset: {index: orf.idx}
  samples:
    X: {fq: x.fq}
    Y: {fq: y.fq}
stages:
  - name: trim
    inputs: [fq]
    outputs: [{name: trimmed, path: trim.fq}]
    command: tr a-z A-Z < ${input.fq} > ${output.trimmed}
  - name: align
    inputs: [trimmed, index]
    outputs: [{name: sam, path: orf_map.sam}]
    command: cat ${input.index} ${input.trimmed} > ${output.sam}
  - name: sort
    inputs: [sam]
    outputs: [{name: bam, path: sorted.bam, publish: true}]
    command: sort ${input.sam} > ${output.bam}
  - name: collate
    scope: dataset
    inputs: [bam]
    outputs: [{name: report, path: report.tsv}]
    command: cat ${input.bam} > ${output.report}; echo ${samples} >> ${output.report}
`

var (
	trimX    = domain.TaskID{Stage: "trim", Sample: "X"}
	trimY    = domain.TaskID{Stage: "trim", Sample: "Y"}
	alignX   = domain.TaskID{Stage: "align", Sample: "X"}
	alignY   = domain.TaskID{Stage: "align", Sample: "Y"}
	sortX    = domain.TaskID{Stage: "sort", Sample: "X"}
	sortY    = domain.TaskID{Stage: "sort", Sample: "Y"}
	collateD = domain.TaskID{Stage: "collate"}
)

type harness struct {
	t      *testing.T
	dir    string
	ledger storage.Ledger
	store  *contentstore.Store
	fake   *runner.FakeRunner
	ws     *workspace.Workspace
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	ws, err := workspace.New(filepath.Join(dir, "work"), filepath.Join(dir, "published"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:      t,
		dir:    dir,
		ledger: memory.NewLedger(),
		store:  contentstore.New(),
		fake:   runner.NewFakeRunner(),
		ws:     ws,
	}
	h.write("orf.idx", "i\n")
	h.write("x.fq", "b\na\n")
	h.write("y.fq", "d\nc\n")
	return h
}

func (h *harness) write(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.dir, name), []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) build(src string) *graph.Graph {
	h.t.Helper()
	def, err := pipeline.Parse([]byte(src), h.dir)
	if err != nil {
		h.t.Fatalf("Parse: %v", err)
	}
	g, err := graph.Build(def)
	if err != nil {
		h.t.Fatalf("Build: %v", err)
	}
	return g
}

func (h *harness) scheduler(g *graph.Graph, r runner.Runner, opts Options) *Scheduler {
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	return New(g, h.store, h.ledger, r, h.ws, opts)
}

func (h *harness) run(g *graph.Graph, opts Options) *Result {
	h.t.Helper()
	res, err := h.scheduler(g, h.fake, opts).Run(context.Background())
	if err != nil {
		h.t.Fatalf("Run: %v", err)
	}
	return res
}

func states(res *Result) map[string]string {
	out := make(map[string]string)
	for _, t := range res.Tasks {
		out[t.TaskID.String()] = t.State.String()
	}
	return out
}

func allIn(state string, ids ...domain.TaskID) map[string]string {
	out := make(map[string]string)
	for _, id := range ids {
		out[id.String()] = state
	}
	return out
}

func merge(ms ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

var everyTask = []domain.TaskID{trimX, trimY, alignX, alignY, sortX, sortY, collateD}

func TestRunExecutesEveryTaskInDependencyOrder(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	res := h.run(g, Options{})

	if res.Status != domain.RunStatusSuccess {
		t.Fatalf("Status = %s, want SUCCESS", res.Status)
	}
	if diff := cmp.Diff(allIn("SUCCEEDED", everyTask...), states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if got := h.fake.TotalCalls(); got != 7 {
		t.Errorf("subprocess calls = %d, want 7", got)
	}

	started := make(map[domain.TaskID]int)
	for i, inv := range h.fake.Invocations {
		started[inv.TaskID] = i
	}
	for _, tid := range everyTask {
		hdl, _ := g.Lookup(tid)
		for _, p := range g.Producers(hdl) {
			if started[g.Task(p).ID] >= started[tid] {
				t.Errorf("%s started before its producer %s", tid, g.Task(p).ID)
			}
		}
	}

	entries, err := h.ledger.Entries(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 7 {
		t.Errorf("ledger holds %d entries, want 7", len(entries))
	}
	run, err := h.ledger.Run(context.Background(), res.RunID)
	if err != nil || run.Status != domain.RunStatusSuccess || run.FinishedAt == nil {
		t.Errorf("run record = %+v, %v", run, err)
	}
	recs, err := h.ledger.RunTasks(context.Background(), res.RunID)
	if err != nil || len(recs) != 7 {
		t.Errorf("RunTasks = %d records, %v", len(recs), err)
	}
	if _, err := os.Readlink(filepath.Join(h.dir, "published", "X", "sorted.bam")); err != nil {
		t.Errorf("sorted.bam should be published: %v", err)
	}
}

func TestSecondRunIsAllCached(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.run(g, Options{})
	h.fake.Reset()

	// A fresh content store stands in for a new process.
	h.store = contentstore.New()
	res := h.run(g, Options{})
	if diff := cmp.Diff(allIn("CACHED", everyTask...), states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if got := h.fake.TotalCalls(); got != 0 {
		t.Errorf("subprocess calls = %d, want 0", got)
	}
	if res.Status != domain.RunStatusSuccess {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestChangedSampleInputRerunsOnlyItsBranch(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.run(g, Options{})
	h.fake.Reset()

	h.write("x.fq", "e\nf\ng\n")
	res := h.run(g, Options{})
	want := merge(
		allIn("SUCCEEDED", trimX, alignX, sortX, collateD),
		allIn("CACHED", trimY, alignY, sortY),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if got := h.fake.TotalCalls(); got != 4 {
		t.Errorf("subprocess calls = %d, want 4", got)
	}
}

func TestIdenticalOutputStopsRecomputation(t *testing.T) {
	h := newHarness(t)
	h.run(h.build(trimAlignSort), Options{})
	h.fake.Reset()

	// A new trim command produces byte-identical outputs under the fake, so
	// nothing downstream of trim needs to run again.
	changed := strings.Replace(trimAlignSort, "tr a-z A-Z <", "tr 'a-z' 'A-Z' <", 1)
	res := h.run(h.build(changed), Options{})
	want := merge(
		allIn("SUCCEEDED", trimX, trimY),
		allIn("CACHED", alignX, alignY, sortX, sortY, collateD),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
}

func TestFailureIsolationStrict(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.fake.Exits[alignX] = 1
	h.fake.Stderr[alignX] = "hisat2: index mismatch\n"
	res := h.run(g, Options{})

	if res.Status != domain.RunStatusPartialFailure || res.Status.ExitCode() != domain.ExitPartialFailure {
		t.Fatalf("Status = %s", res.Status)
	}
	want := merge(
		allIn("SUCCEEDED", trimX, trimY, alignY, sortY),
		allIn("FAILED", alignX),
		allIn("SKIPPED", sortX, collateD),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}

	failed, _ := res.Task(alignX)
	var taskErr *domain.TaskError
	if !errors.As(failed.Err, &taskErr) || !errors.Is(failed.Err, domain.ErrSubprocess) {
		t.Fatalf("expected a subprocess TaskError, got %v", failed.Err)
	}
	if taskErr.ExitCode != 1 || !strings.Contains(taskErr.Stderr, "index mismatch") {
		t.Errorf("unexpected task error %+v", taskErr)
	}
	if diff := cmp.Diff([]domain.TaskID{collateD, sortX}, res.SkippedBy(alignX)); diff != "" {
		t.Errorf("SkippedBy(align@X) (-want +got):\n%s", diff)
	}
	if got := h.fake.Calls(sortX); got != 0 {
		t.Errorf("skipped task was invoked %d times", got)
	}

	// Failed attempts are recorded but never satisfy a lookup.
	entries, err := h.ledger.Entries(context.Background(), storage.ListOptions{Status: domain.EntryFailed})
	if err != nil || len(entries) != 1 || entries[0].Stderr != "hisat2: index mismatch\n" {
		t.Errorf("failed entries = %+v, %v", entries, err)
	}
}

func TestResumeAfterFailure(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.fake.Exits[alignX] = 1
	h.run(g, Options{})
	h.fake.Reset()

	delete(h.fake.Exits, alignX)
	res := h.run(g, Options{})
	want := merge(
		allIn("CACHED", trimX, trimY, alignY, sortY),
		allIn("SUCCEEDED", alignX, sortX, collateD),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if res.Status != domain.RunStatusSuccess {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestResumeRerunsOnlyWhatChanged(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.fake.Exits[trimX] = 2
	h.fake.Generation = 1
	h.run(g, Options{})
	h.fake.Reset()

	// Tools that write different bytes on every run must not invalidate the
	// branches that already succeeded.
	delete(h.fake.Exits, trimX)
	h.fake.Generation = 2
	res := h.run(g, Options{})
	want := merge(
		allIn("CACHED", trimY, alignY, sortY),
		allIn("SUCCEEDED", trimX, alignX, sortX, collateD),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
}

func TestFailureIsolationPartialAggregation(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.fake.Exits[alignX] = 1
	res := h.run(g, Options{Aggregation: domain.AggregationPartial})

	collate, _ := res.Task(collateD)
	if collate.State != domain.RunStateSucceeded {
		t.Fatalf("collate should run on the surviving samples, got %s", collate.State)
	}
	if diff := cmp.Diff([]string{"Y"}, collate.Samples); diff != "" {
		t.Errorf("aggregated samples (-want +got):\n%s", diff)
	}
	for _, inv := range h.fake.Invocations {
		if inv.TaskID == collateD && len(inv.Inputs) != 1 {
			t.Errorf("collate linked %d inputs, want 1", len(inv.Inputs))
		}
	}
	if res.Status != domain.RunStatusPartialFailure {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestTotalFailure(t *testing.T) {
	h := newHarness(t)
	h.fake.Exits[trimX] = 1
	h.fake.Exits[trimY] = 1
	res := h.run(h.build(trimAlignSort), Options{})
	if res.Status != domain.RunStatusTotalFailure || res.Status.ExitCode() != domain.ExitTotalFailure {
		t.Errorf("Status = %s", res.Status)
	}
	if diff := cmp.Diff([]domain.TaskID{alignX, collateD, sortX}, res.SkippedBy(trimX)); diff != "" {
		t.Errorf("SkippedBy(trim@X) (-want +got):\n%s", diff)
	}
}

const indexedAlign = `
name: indexed
inputs:
  dataset: {fasta: orf.idx}
  samples:
    X: {fq: x.fq}
    Y: {fq: y.fq}
stages:
  - name: build_index
    scope: dataset
    inputs: [fasta]
    outputs: [{name: index, path: orf.1.ht2}]
    command: cp ${input.fasta} ${output.index}
  - name: align
    inputs: [fq, index]
    outputs: [{name: sam, path: orf_map.sam}]
    command: cat ${input.index} ${input.fq} > ${output.sam}
`

func TestTotalFailureDespiteDatasetSuccess(t *testing.T) {
	h := newHarness(t)
	alignX := domain.TaskID{Stage: "align", Sample: "X"}
	alignY := domain.TaskID{Stage: "align", Sample: "Y"}
	h.fake.Exits[alignX] = 1
	h.fake.Exits[alignY] = 1
	res := h.run(h.build(indexedAlign), Options{})

	want := merge(
		allIn("SUCCEEDED", domain.TaskID{Stage: "build_index"}),
		allIn("FAILED", alignX, alignY),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	// No sample was fully processed, so the shared index does not make the
	// run a partial success.
	if res.Status != domain.RunStatusTotalFailure || res.Status.ExitCode() != domain.ExitTotalFailure {
		t.Errorf("Status = %s, want TOTAL_FAILURE", res.Status)
	}
}

func TestAddedSampleRunsOnlyItsBranch(t *testing.T) {
	h := newHarness(t)
	h.run(h.build(trimAlignSort), Options{})
	h.fake.Reset()

	h.write("z.fq", "z\ny\n")
	withZ := strings.Replace(trimAlignSort, "    Y: {fq: y.fq}\n", "    Y: {fq: y.fq}\n    Z: {fq: z.fq}\n", 1)
	res := h.run(h.build(withZ), Options{})

	trimZ := domain.TaskID{Stage: "trim", Sample: "Z"}
	alignZ := domain.TaskID{Stage: "align", Sample: "Z"}
	sortZ := domain.TaskID{Stage: "sort", Sample: "Z"}
	want := merge(
		allIn("CACHED", trimX, trimY, alignX, alignY, sortX, sortY),
		allIn("SUCCEEDED", trimZ, alignZ, sortZ, collateD),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if got := h.fake.TotalCalls(); got != 4 {
		t.Errorf("subprocess calls = %d, want 4", got)
	}
	collate, _ := res.Task(collateD)
	if diff := cmp.Diff([]string{"X", "Y", "Z"}, collate.Samples); diff != "" {
		t.Errorf("aggregated samples (-want +got):\n%s", diff)
	}
}

func TestMissingOutputFailsTask(t *testing.T) {
	h := newHarness(t)
	h.fake.SkipOutputs[trimX] = true
	res := h.run(h.build(trimAlignSort), Options{})
	trim, _ := res.Task(trimX)
	if trim.State != domain.RunStateFailed || !errors.Is(trim.Err, domain.ErrMissingOutput) {
		t.Errorf("expected missing output failure, got %s: %v", trim.State, trim.Err)
	}
	if !strings.Contains(trim.Err.Error(), "trim.fq") {
		t.Errorf("error should name the missing file: %v", trim.Err)
	}
}

func TestUnreadableExternalInputFailsConsumers(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	if err := os.Remove(filepath.Join(h.dir, "x.fq")); err != nil {
		t.Fatal(err)
	}
	res := h.run(g, Options{})
	trim, _ := res.Task(trimX)
	if trim.State != domain.RunStateFailed || !errors.Is(trim.Err, domain.ErrIO) {
		t.Errorf("expected IO failure, got %s: %v", trim.State, trim.Err)
	}
	if got := h.fake.Calls(trimX); got != 0 {
		t.Errorf("trim@X should not run, got %d calls", got)
	}
	if y, _ := res.Task(sortY); y.State != domain.RunStateSucceeded {
		t.Errorf("sort@Y = %s, want SUCCEEDED", y.State)
	}
}

func TestCorruptedOutputIsRecomputed(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.run(g, Options{})
	h.fake.Reset()

	bam := filepath.Join(h.ws.TaskDir(sortX), "sorted.bam")
	if err := os.WriteFile(bam, []byte("truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics()
	res := h.run(g, Options{Metrics: metrics})

	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], domain.ErrCacheConsistency) {
		t.Fatalf("expected one cache consistency warning, got %v", res.Warnings)
	}
	want := merge(
		allIn("CACHED", trimX, trimY, alignX, alignY, sortY, collateD),
		allIn("SUCCEEDED", sortX),
	)
	if diff := cmp.Diff(want, states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if got := metrics.CacheInconsistent().Get(); got != 1 {
		t.Errorf("CacheInconsistent = %d", got)
	}
}

func TestDeletedOutputRestoredFromIdenticalFile(t *testing.T) {
	h := newHarness(t)
	// The fake runner writes the same content to every output of a task.
	src := strings.Replace(trimAlignSort,
		"outputs: [{name: bam, path: sorted.bam, publish: true}]",
		"outputs: [{name: bam, path: sorted.bam, publish: true}, {name: bai, path: sorted.bam.bai}]", 1)
	g := h.build(src)
	h.run(g, Options{})
	h.fake.Reset()
	h.store = contentstore.New()

	bam := filepath.Join(h.ws.TaskDir(sortX), "sorted.bam")
	want, err := os.ReadFile(bam)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(bam); err != nil {
		t.Fatal(err)
	}
	res := h.run(g, Options{})

	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	everyTask := []domain.TaskID{trimX, trimY, alignX, alignY, sortX, sortY, collateD}
	if diff := cmp.Diff(allIn("CACHED", everyTask...), states(res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if got := h.fake.TotalCalls(); got != 0 {
		t.Errorf("TotalCalls = %d, want 0", got)
	}
	if got, err := os.ReadFile(bam); err != nil || string(got) != string(want) {
		t.Errorf("restored output = %q, %v; want %q", got, err, want)
	}
}

func TestDeletedOutputWithoutCopyIsRecomputed(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.run(g, Options{})
	h.fake.Reset()
	h.store = contentstore.New()

	if err := os.Remove(filepath.Join(h.ws.TaskDir(sortX), "sorted.bam")); err != nil {
		t.Fatal(err)
	}
	res := h.run(g, Options{})

	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], domain.ErrCacheConsistency) {
		t.Fatalf("expected one cache consistency warning, got %v", res.Warnings)
	}
	if x, _ := res.Task(sortX); x.State != domain.RunStateSucceeded {
		t.Errorf("sort@X = %s, want SUCCEEDED", x.State)
	}
	if got := h.fake.Calls(sortX); got != 1 {
		t.Errorf("sort@X calls = %d, want 1", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	var src strings.Builder
	src.WriteString("inputs:\n  samples:\n")
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("s%d.fq", i)
		h.write(name, name)
		fmt.Fprintf(&src, "    S%d: {fq: %s}\n", i, name)
	}
	src.WriteString("stages:\n  - {name: trim, inputs: [fq], outputs: [{name: t, path: t.fq}], command: trim}\n")
	g := h.build(src.String())

	h.fake.Gate = make(chan struct{})
	h.fake.Started = make(chan domain.TaskID, 8)
	metrics := observability.NewMetrics()
	errc := make(chan error, 1)
	go func() {
		_, err := h.scheduler(g, h.fake, Options{Workers: 3, Metrics: metrics}).Run(context.Background())
		errc <- err
	}()

	for i := 0; i < 3; i++ {
		<-h.fake.Started
	}
	select {
	case id := <-h.fake.Started:
		t.Errorf("%s started while 3 workers were busy", id)
	case <-time.After(100 * time.Millisecond):
	}
	close(h.fake.Gate)
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.fake.MaxInFlight(); got != 3 {
		t.Errorf("max in flight = %d, want 3", got)
	}
	if got := metrics.MaxInFlight(); got > 3 {
		t.Errorf("metrics max in flight = %d, want <= 3", got)
	}
}

func TestCancellation(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	h.fake.Gate = make(chan struct{})
	h.fake.Started = make(chan domain.TaskID, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.scheduler(g, h.fake, Options{Workers: 2}).Run(ctx)
		done <- outcome{res, err}
	}()
	<-h.fake.Started
	<-h.fake.Started
	cancel()

	out := <-done
	if !errors.Is(out.err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", out.err)
	}
	if out.res.Status != domain.RunStatusCancelled || out.res.Status.ExitCode() != domain.ExitCancelled {
		t.Errorf("Status = %s", out.res.Status)
	}
	want := merge(
		allIn("FAILED", trimX, trimY),
		allIn("SKIPPED", alignX, alignY, sortX, sortY, collateD),
	)
	if diff := cmp.Diff(want, states(out.res)); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	for _, tr := range out.res.Tasks {
		if !tr.Cancelled() {
			t.Errorf("%s should be marked cancelled, err = %v", tr.TaskID, tr.Err)
		}
	}
	entries, err := h.ledger.Entries(context.Background(), storage.ListOptions{})
	if err != nil || len(entries) != 0 {
		t.Errorf("interrupted tasks must not reach the ledger: %d entries, %v", len(entries), err)
	}
	run, err := h.ledger.Run(context.Background(), out.res.RunID)
	if err != nil || run.Status != domain.RunStatusCancelled {
		t.Errorf("run record = %+v, %v", run, err)
	}
}

func TestDemultiplexRun(t *testing.T) {
	h := newHarness(t)
	h.write("multiplex.fq", "@r1\nACGT\n")
	g := h.build(`
inputs: {dataset: {mux: multiplex.fq}}
stages:
  - name: demultiplex
    scope: demultiplex
    inputs: [mux]
    samples: [Tag1, Tag0]
    outputs: [{name: fq, path: "deplex/{sample}.fastq"}]
    command: demultiplex_fastq -r ${input.mux} -o ${output.fq}
  - name: cut_adapters
    inputs: [fq]
    outputs: [{name: trim_fq, path: trim.fq}]
    command: cutadapt -o ${output.trim_fq} ${input.fq}
  - name: count
    scope: dataset
    inputs: [trim_fq]
    outputs: [{name: counts, path: counts.tsv}]
    command: count ${samples} > ${output.counts}
`)
	res := h.run(g, Options{})
	if res.Status != domain.RunStatusSuccess {
		t.Fatalf("Status = %s: %v", res.Status, res.Failures())
	}
	for _, inv := range h.fake.Invocations {
		switch inv.TaskID.Stage {
		case "demultiplex":
			if !strings.HasSuffix(inv.Command, "-o deplex") {
				t.Errorf("demultiplex output should bind to its directory: %q", inv.Command)
			}
			if len(inv.Outputs) != 2 {
				t.Errorf("demultiplex declares %d files, want 2", len(inv.Outputs))
			}
		case "count":
			if !strings.HasPrefix(inv.Command, "count Tag1 Tag0 >") {
				t.Errorf("unexpected count command %q", inv.Command)
			}
		}
	}
	link, err := os.Readlink(filepath.Join(h.ws.TaskDir(domain.TaskID{Stage: "cut_adapters", Sample: "Tag0"}), "inputs", "fq__Tag0__Tag0.fastq"))
	if err != nil || !strings.HasSuffix(link, filepath.Join("demultiplex", "_dataset", "deplex", "Tag0.fastq")) {
		t.Errorf("cut_adapters@Tag0 input link = %q, %v", link, err)
	}
}

func TestEndToEndWithShell(t *testing.T) {
	h := newHarness(t)
	g := h.build(trimAlignSort)
	cmdRunner := runner.NewRetryingRunner(runner.NewCommandRunner("/bin/sh", time.Second))

	res, err := h.scheduler(g, cmdRunner, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunStatusSuccess {
		for _, f := range res.Failures() {
			t.Logf("%s: %v", f.TaskID, f.Err)
		}
		t.Fatalf("Status = %s", res.Status)
	}
	report, err := os.ReadFile(filepath.Join(h.ws.TaskDir(collateD), "report.tsv"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("A\nB\ni\nC\nD\ni\nX Y\n", string(report)); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}
	area := h.ws.Open(sortX)
	if code, err := area.ExitCode(); err != nil || code != 0 {
		t.Errorf("recorded exit code = %d, %v", code, err)
	}
	if script, err := os.ReadFile(area.CommandPath()); err != nil || !strings.Contains(string(script), "sort inputs/sam__X__orf_map.sam > sorted.bam") {
		t.Errorf("command script = %q, %v", script, err)
	}

	second, err := h.scheduler(g, cmdRunner, Options{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Count(domain.RunStateCached); got != 7 {
		t.Errorf("second run cached %d tasks, want 7", got)
	}
}

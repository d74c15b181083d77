// Package scheduler executes a task graph: it walks the graph in dependency
// order, satisfies tasks from the ledger when their inputs are unchanged,
// runs the rest on a bounded worker pool and keeps one sample's failure from
// blocking any other.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/example/riboflow/internal/contentstore"
	"github.com/example/riboflow/internal/ctxlog"
	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/graph"
	"github.com/example/riboflow/internal/observability"
	"github.com/example/riboflow/internal/runner"
	"github.com/example/riboflow/internal/storage"
	"github.com/example/riboflow/internal/workspace"
	"github.com/example/riboflow/pkg/id"
)

// Options configure a Scheduler.
type Options struct {
	// Workers bounds the number of concurrently running tasks.
	Workers int

	// Aggregation decides whether dataset tasks run without failed samples.
	Aggregation domain.AggregationPolicy

	// RunID identifies the run in the ledger; generated when empty.
	RunID string

	// Threads is the value of ${threads} in command templates.
	Threads int

	// Metrics receives run metrics; a private instance is used when nil.
	Metrics *observability.Metrics

	// Clock stamps ledger records. It never influences cache keys.
	Clock func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Aggregation == "" {
		o.Aggregation = domain.AggregationStrict
	}
	if o.RunID == "" {
		o.RunID = id.Generate()
	}
	if o.Threads < 1 {
		o.Threads = 1
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewMetrics()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
}

// Scheduler runs a task graph once per Run call.
type Scheduler struct {
	graph   *graph.Graph
	store   *contentstore.Store
	ledger  storage.Ledger
	runner  runner.Runner
	ws      *workspace.Workspace
	opts    Options
	metrics *observability.Metrics
}

// New creates a Scheduler.
func New(g *graph.Graph, store *contentstore.Store, ledger storage.Ledger, r runner.Runner, ws *workspace.Workspace, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		graph:   g,
		store:   store,
		ledger:  ledger,
		runner:  r,
		ws:      ws,
		opts:    opts,
		metrics: opts.Metrics,
	}
}

// RunID returns the id of the run.
func (s *Scheduler) RunID() string { return s.opts.RunID }

// Metrics returns the metrics the scheduler records into.
func (s *Scheduler) Metrics() *observability.Metrics { return s.metrics }

// state is the mutable bookkeeping of one run. Only the control loop
// touches it.
type state struct {
	s         *Scheduler
	log       *slog.Logger
	states    []domain.RunState
	results   []*TaskResult
	remaining []int
	samples   [][]string // samples a ready dataset task aggregates
	pos       []int      // position in topological order
	ready     []graph.Handle
	warnings  []error
}

// Run executes the graph until every task is terminal. Cancelling ctx stops
// dispatch and interrupts running subprocesses; Run then returns the partial
// result together with domain.ErrCancelled.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	g := s.graph
	runID := s.opts.RunID
	log := ctxlog.FromContext(ctx).With("run_id", runID)
	// Ledger writes must land even while the run is being cancelled.
	persist := context.WithoutCancel(ctx)

	started := s.opts.Clock()
	if err := s.ledger.BeginRun(persist, &domain.RunRecord{
		ID:               runID,
		Pipeline:         g.Name(),
		GraphFingerprint: g.Fingerprint(),
		StartedAt:        started,
	}); err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	s.fingerprintExternal(ctx, log)

	st := &state{
		s:         s,
		log:       log,
		states:    make([]domain.RunState, g.Len()),
		results:   make([]*TaskResult, g.Len()),
		remaining: make([]int, g.Len()),
		samples:   make([][]string, g.Len()),
		pos:       make([]int, g.Len()),
	}
	order := g.TopologicalOrder()
	for i, h := range order {
		st.pos[h] = i
		st.states[h] = domain.RunStatePending
		st.remaining[h] = len(g.Producers(h))
	}
	for _, h := range order {
		if st.remaining[h] == 0 && st.states[h] == domain.RunStatePending {
			st.evaluate(persist, h)
		}
	}

	done := make(chan completion)
	ctxDone := ctx.Done()
	inFlight := 0
	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			ctxDone = nil
			st.cancelPending(persist)
		}
		for !cancelled && inFlight < s.opts.Workers && len(st.ready) > 0 {
			h := st.popReady()
			st.transition(h, domain.RunStateRunning)
			inFlight++
			samples := st.samples[h]
			go func() { done <- s.execute(ctx, runID, h, samples) }()
		}
		if inFlight == 0 {
			break
		}
		select {
		case c := <-done:
			inFlight--
			st.complete(persist, c)
		case <-ctxDone:
			cancelled = true
			ctxDone = nil
			st.cancelPending(persist)
		}
	}

	res := &Result{
		RunID:     runID,
		StartedAt: started,
		Warnings:  st.warnings,
	}
	for _, h := range order {
		res.Tasks = append(res.Tasks, st.results[h])
	}
	if cancelled {
		res.Status = domain.RunStatusCancelled
	} else {
		states := make(map[domain.TaskID]domain.RunState, len(res.Tasks))
		for _, t := range res.Tasks {
			states[t.TaskID] = t.State
		}
		res.Status = domain.StatusOf(states)
	}
	res.FinishedAt = s.opts.Clock()
	if err := s.ledger.FinishRun(persist, runID, res.Status, res.FinishedAt); err != nil {
		log.Error("recording run status failed", "error", err)
	}
	log.Info("run finished", "status", res.Status.String(),
		"cached", res.Count(domain.RunStateCached),
		"succeeded", res.Count(domain.RunStateSucceeded),
		"failed", res.Count(domain.RunStateFailed),
		"skipped", res.Count(domain.RunStateSkipped))

	if cancelled {
		return res, domain.ErrCancelled
	}
	return res, nil
}

// fingerprintExternal hashes every static input up front. Unreadable inputs
// are only logged here; the tasks consuming them fail when they resolve them.
func (s *Scheduler) fingerprintExternal(ctx context.Context, log *slog.Logger) {
	refs := s.graph.ExternalInputs()
	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		paths = append(paths, ref.Path)
	}
	start := time.Now()
	if _, err := s.store.FingerprintAll(ctx, paths, s.opts.Workers); err != nil {
		log.Warn("fingerprinting external inputs", "error", err)
	}
	log.Debug("fingerprinted external inputs", "count", len(paths), "elapsed", time.Since(start))
}

func (st *state) transition(h graph.Handle, to domain.RunState) {
	from := st.states[h]
	if !domain.ValidRunStateTransition(from, to) {
		panic(fmt.Sprintf("%v: %s: %s -> %s", domain.ErrInvalidState, st.s.graph.Task(h).ID, from, to))
	}
	st.states[h] = to
}

// evaluate decides the fate of a task whose producers are all terminal.
func (st *state) evaluate(ctx context.Context, h graph.Handle) {
	g := st.s.graph
	task := g.Task(h)

	failed := make(map[graph.Handle]bool)
	for _, p := range g.Producers(h) {
		if !st.states[p].IsSuccess() {
			failed[p] = true
		}
	}
	if len(failed) == 0 {
		st.markReady(h, task.Samples)
		return
	}
	if task.Scope == domain.ScopeDataset && st.s.opts.Aggregation == domain.AggregationPartial {
		if samples, ok := st.partialSamples(task, failed); ok {
			st.log.Warn("aggregating without failed samples",
				"task", task.ID.String(), "samples", samples)
			st.markReady(h, samples)
			return
		}
	}

	var causes []domain.TaskID
	for p := range failed {
		if st.states[p] == domain.RunStateFailed {
			causes = append(causes, g.Task(p).ID)
		} else {
			causes = append(causes, st.results[p].SkippedBecause...)
		}
	}
	slices.SortFunc(causes, domain.TaskID.Compare)
	causes = slices.Compact(causes)
	st.skip(ctx, h, &TaskResult{
		TaskID:         task.ID,
		State:          domain.RunStateSkipped,
		SkippedBecause: causes,
	})
}

// partialSamples returns the samples a dataset task can still aggregate when
// only fan-in producers failed.
func (st *state) partialSamples(task *domain.Task, failed map[graph.Handle]bool) ([]string, bool) {
	g := st.s.graph
	dropped := make(map[string]bool)
	for _, in := range task.Inputs {
		for _, ref := range in.Artifacts {
			p := g.ProducerOf(ref)
			if p == graph.NoProducer || !failed[p] {
				continue
			}
			if !ref.FanIn {
				return nil, false
			}
			dropped[ref.Key.Sample] = true
		}
	}
	var kept []string
	for _, s := range task.Samples {
		if !dropped[s] {
			kept = append(kept, s)
		}
	}
	return kept, len(kept) > 0
}

func (st *state) markReady(h graph.Handle, samples []string) {
	st.transition(h, domain.RunStateReady)
	st.samples[h] = samples
	st.ready = append(st.ready, h)
}

// popReady returns the ready task earliest in topological order.
func (st *state) popReady() graph.Handle {
	best := 0
	for i, h := range st.ready {
		if st.pos[h] < st.pos[st.ready[best]] {
			best = i
		}
	}
	h := st.ready[best]
	st.ready = slices.Delete(st.ready, best, best+1)
	return h
}

func (st *state) skip(ctx context.Context, h graph.Handle, res *TaskResult) {
	st.transition(h, domain.RunStateSkipped)
	res.WorkDir = st.s.ws.TaskDir(res.TaskID)
	st.results[h] = res
	st.s.metrics.TasksFinished().WithLabels(res.State.String()).Inc()
	st.log.Info("task skipped", "task", res.TaskID.String(), "because", res.SkippedBecause)
	st.recordState(ctx, res)
	st.release(ctx, h)
}

// release propagates a terminal task to its consumers.
func (st *state) release(ctx context.Context, h graph.Handle) {
	for _, c := range st.s.graph.Consumers(h) {
		if st.states[c] != domain.RunStatePending {
			continue
		}
		st.remaining[c]--
		if st.remaining[c] == 0 {
			st.evaluate(ctx, c)
		}
	}
}

// complete applies a worker's report.
func (st *state) complete(ctx context.Context, c completion) {
	res := c.result
	task := st.s.graph.Task(c.h)
	log := st.log.With("task", task.ID.String(), "stage", task.ID.Stage, "sample", task.ID.Sample)

	if c.warning != nil {
		st.warnings = append(st.warnings, c.warning)
		st.s.metrics.CacheInconsistent().Inc()
		log.Warn("cache entry does not match disk, recomputing", "error", c.warning)
	}
	if c.entry != nil {
		start := time.Now()
		err := st.s.ledger.RecordCompletion(ctx, c.entry)
		st.s.metrics.LedgerWrite().Since(start)
		if err != nil && res.State == domain.RunStateSucceeded {
			res.State = domain.RunStateFailed
			res.Err = &domain.TaskError{TaskID: task.ID, Kind: domain.ErrIO, Err: fmt.Errorf("recording completion: %w", err)}
		} else if err != nil {
			log.Error("recording failure in ledger", "error", err)
		}
	}

	st.transition(c.h, res.State)
	st.results[c.h] = res
	st.s.metrics.TasksFinished().WithLabels(res.State.String()).Inc()

	switch res.State {
	case domain.RunStateCached:
		log.Info("task cached")
		st.publish(task, log)
	case domain.RunStateSucceeded:
		log.Debug("task succeeded", "elapsed", res.Duration)
		st.publish(task, log)
	default:
		if res.Cancelled() {
			log.Warn("task interrupted")
		} else {
			log.Error("task failed", "error", res.Err, "exit_code", res.ExitCode)
		}
	}
	st.recordState(ctx, res)
	if res.Cancelled() {
		// cancelPending settles the consumers.
		return
	}
	st.release(ctx, c.h)
}

func (st *state) publish(task *domain.Task, log *slog.Logger) {
	for _, f := range task.DeclaredFiles() {
		if !f.Output.Publish {
			continue
		}
		if err := st.s.ws.Publish(f.Key, st.s.ws.OutputPath(task.ID, f.Output)); err != nil {
			log.Warn("publishing output", "output", f.Key.String(), "error", err)
		}
	}
}

// cancelPending skips every task that has not been dispatched.
func (st *state) cancelPending(ctx context.Context) {
	st.log.Warn("run cancelled, waiting for running tasks")
	st.ready = nil
	for _, h := range st.s.graph.TopologicalOrder() {
		switch st.states[h] {
		case domain.RunStatePending, domain.RunStateReady:
			res := &TaskResult{
				TaskID: st.s.graph.Task(h).ID,
				State:  domain.RunStateSkipped,
				Err:    domain.ErrCancelled,
			}
			st.transition(h, domain.RunStateSkipped)
			res.WorkDir = st.s.ws.TaskDir(res.TaskID)
			st.results[h] = res
			st.s.metrics.TasksFinished().WithLabels(res.State.String()).Inc()
			st.recordState(ctx, res)
		}
	}
}

func (st *state) recordState(ctx context.Context, res *TaskResult) {
	if err := st.s.ledger.RecordTaskState(ctx, st.s.opts.RunID, res.record(st.s.opts.Clock())); err != nil {
		st.log.Error("recording task state", "task", res.TaskID.String(), "error", err)
	}
}

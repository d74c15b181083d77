package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/example/riboflow/internal/ctxlog"
	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/graph"
	"github.com/example/riboflow/internal/pipeline"
	"github.com/example/riboflow/internal/runner"
	"github.com/example/riboflow/internal/storage"
)

// stderrLimit bounds the stderr kept in results and ledger entries. The full
// stream stays in the working area.
const stderrLimit = 8 << 10

// completion is what a worker reports back to the control loop.
type completion struct {
	h       graph.Handle
	result  *TaskResult
	entry   *domain.LedgerEntry // to record; nil for cache hits
	warning error
}

// execute resolves a task's inputs, consults the cache and runs the task on
// a miss. It never writes the ledger or task states.
func (s *Scheduler) execute(ctx context.Context, runID string, h graph.Handle, samples []string) completion {
	s.metrics.WorkerStarted()
	defer s.metrics.WorkerDone()

	task := s.graph.Task(h)
	start := time.Now()
	c := completion{h: h, result: &TaskResult{
		TaskID:  task.ID,
		WorkDir: s.ws.TaskDir(task.ID),
		Samples: samples,
	}}
	defer func() {
		c.result.Duration = time.Since(start)
		s.metrics.TaskDuration().WithLabels(task.ID.Stage).Observe(c.result.Duration)
	}()
	log := ctxlog.FromContext(ctx).With("task", task.ID.String(), "run_id", runID)

	inputs, err := s.resolveInputs(task, samples)
	if err != nil {
		c.fail(task.ID, domain.ErrIO, err)
		return c
	}
	key := inputKey(task, samples, inputs)

	entry, err := s.ledger.Lookup(ctx, task.ID, key)
	switch {
	case err == nil:
		if c.warning = s.verify(ctx, task.ID, entry); c.warning == nil {
			s.metrics.CacheHits().Inc()
			c.result.State = domain.RunStateCached
			c.result.ExitCode = entry.ExitCode
			return c
		}
	case storage.IsNotFound(err):
	case ctx.Err() != nil:
		c.fail(task.ID, domain.ErrCancelled, nil)
		return c
	default:
		log.Warn("ledger lookup failed, recomputing", "error", err)
	}
	s.metrics.CacheMisses().Inc()

	entry = &domain.LedgerEntry{
		TaskID:   task.ID,
		InputKey: key,
		Inputs:   fingerprints(inputs),
		Status:   domain.EntryFailed,
		RunID:    runID,
	}
	s.runMiss(ctx, task, samples, inputs, entry, &c)
	entry.RecordedAt = s.opts.Clock()
	if !c.result.Cancelled() {
		c.entry = entry
	}
	return c
}

// runMiss executes a cache miss and fills in entry and c.
func (s *Scheduler) runMiss(ctx context.Context, task *domain.Task, samples []string, inputs []resolvedInput, entry *domain.LedgerEntry, c *completion) {
	files := task.DeclaredFiles()
	rel := make([]string, len(files))
	abs := make([]string, len(files))
	for i, f := range files {
		rel[i] = f.Output.Path
		abs[i] = s.ws.OutputPath(task.ID, f.Output)
		s.store.Forget(abs[i])
	}

	area, err := s.ws.Prepare(task.ID, rel)
	if err != nil {
		c.fail(task.ID, domain.ErrIO, err)
		return
	}
	bound := make(map[string][]string)
	var linked []string
	for _, in := range inputs {
		link, err := area.Link(in.name, in.ref.Key, in.path)
		if err != nil {
			c.fail(task.ID, domain.ErrIO, err)
			return
		}
		linked = append(linked, link)
		relLink, _ := filepath.Rel(area.Dir, link)
		bound[in.name] = append(bound[in.name], relLink)
	}

	command := pipeline.Render(task.Command, pipeline.Bindings{
		Inputs:  bound,
		Outputs: outputBindings(task),
		Sample:  task.ID.Sample,
		Samples: templateSamples(task, samples),
		Params:  task.Params,
		WorkDir: area.Dir,
		Threads: s.opts.Threads,
	})
	if err := area.WriteCommand(command, task.Env); err != nil {
		c.fail(task.ID, domain.ErrIO, err)
		return
	}

	ctxlog.FromContext(ctx).Debug("dispatching task",
		"task", task.ID.String(), "stage", task.ID.Stage, "sample", task.ID.Sample)
	out, err := s.runner.Run(ctx, &runner.Invocation{
		TaskID:     task.ID,
		Command:    command,
		Dir:        area.Dir,
		Env:        task.Env,
		Timeout:    task.Timeout,
		Retries:    task.Retries,
		StdoutPath: area.StdoutPath(),
		StderrPath: area.StderrPath(),
		Inputs:     linked,
		Outputs:    abs,
	})
	if out != nil {
		s.metrics.Attempts().Add(int64(out.Attempts))
		c.result.Attempts = out.Attempts
		c.result.ExitCode = out.ExitCode
		c.result.Stderr = tail(out.Stderr, stderrLimit)
		entry.ExitCode = out.ExitCode
		entry.Stderr = c.result.Stderr
		if werr := area.WriteExitCode(out.ExitCode); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		kind := domain.ErrIO
		if errors.Is(err, domain.ErrCancelled) {
			kind, err = domain.ErrCancelled, nil
		}
		c.fail(task.ID, kind, err)
		return
	}
	if !out.Succeeded() {
		var cause error
		if out.TimedOut {
			cause = fmt.Errorf("timed out after %s", task.Timeout)
		}
		c.fail(task.ID, domain.ErrSubprocess, cause)
		return
	}

	var missing []string
	for i, f := range files {
		start := time.Now()
		hash, err := s.store.Fingerprint(abs[i])
		s.metrics.FingerprintTime().Since(start)
		if err != nil {
			missing = append(missing, f.Output.Path)
			continue
		}
		entry.Outputs = append(entry.Outputs, domain.OutputFingerprint{Key: f.Key, Path: f.Output.Path, Hash: hash})
	}
	if len(missing) > 0 {
		entry.Outputs = nil
		c.fail(task.ID, domain.ErrMissingOutput, errors.New(strings.Join(missing, ", ")))
		return
	}

	entry.Status = domain.EntrySucceeded
	c.result.State = domain.RunStateSucceeded
}

func (c *completion) fail(id domain.TaskID, kind, err error) {
	c.result.State = domain.RunStateFailed
	c.result.Err = &domain.TaskError{
		TaskID:   id,
		Kind:     kind,
		ExitCode: c.result.ExitCode,
		Stderr:   c.result.Stderr,
		Err:      err,
	}
}

// resolveInputs locates and fingerprints every artifact the task consumes.
// Fan-in artifacts of samples outside samples are left out.
func (s *Scheduler) resolveInputs(task *domain.Task, samples []string) ([]resolvedInput, error) {
	var out []resolvedInput
	for _, in := range task.Inputs {
		for _, ref := range in.Artifacts {
			if ref.FanIn && !slices.Contains(samples, ref.Key.Sample) {
				continue
			}
			path, err := s.locate(ref)
			if err != nil {
				return nil, err
			}
			start := time.Now()
			hash, err := s.store.Fingerprint(path)
			s.metrics.FingerprintTime().Since(start)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", ref.Key, err)
			}
			out = append(out, resolvedInput{name: in.Name, ref: ref, path: path, hash: hash})
		}
	}
	return out, nil
}

// locate returns the file backing an artifact.
func (s *Scheduler) locate(ref domain.ArtifactRef) (string, error) {
	if ref.External() {
		return ref.Path, nil
	}
	h := s.graph.ProducerOf(ref)
	if h == graph.NoProducer {
		return "", fmt.Errorf("%w: no producer for %s", domain.ErrNotFound, ref.Key)
	}
	producer := s.graph.Task(h)
	for _, o := range producer.OutputsFor(ref.Key.Sample) {
		if o.Name == ref.Key.Name {
			return s.ws.OutputPath(producer.ID, o), nil
		}
	}
	return "", fmt.Errorf("%w: %s does not declare %s", domain.ErrNotFound, producer.ID, ref.Key)
}

// verify re-fingerprints the outputs recorded in a ledger entry. A recorded
// output that no longer exists is restored from an unchanged file with the
// same content, if the store has fingerprinted one.
func (s *Scheduler) verify(ctx context.Context, id domain.TaskID, entry *domain.LedgerEntry) error {
	dir := s.ws.TaskDir(id)
	var missing []domain.OutputFingerprint
	for _, o := range entry.Outputs {
		path := filepath.Join(dir, filepath.FromSlash(o.Path))
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, o)
			continue
		}
		hash, err := s.store.Fingerprint(path)
		if err != nil {
			return fmt.Errorf("%w: %s: recorded output %s is unreadable: %v", domain.ErrCacheConsistency, id, o.Path, err)
		}
		if hash != o.Hash {
			return fmt.Errorf("%w: %s: output %s changed since it was recorded", domain.ErrCacheConsistency, id, o.Path)
		}
	}
	for _, o := range missing {
		src, err := s.restore(filepath.Join(dir, filepath.FromSlash(o.Path)), o.Hash)
		if err != nil {
			return fmt.Errorf("%w: %s: recorded output %s is missing: %v", domain.ErrCacheConsistency, id, o.Path, err)
		}
		ctxlog.FromContext(ctx).Info("restored missing output", "task", id.String(), "output", o.Path, "from", src)
	}
	return nil
}

// restore copies a known file with the given content to path and returns
// the file it copied.
func (s *Scheduler) restore(path string, hash domain.Hash) (string, error) {
	src, ok := s.store.Lookup(hash)
	if !ok {
		return "", errors.New("no file with the recorded content is known")
	}
	if err := s.ws.Restore(path, src); err != nil {
		return "", err
	}
	got, err := s.store.Fingerprint(path)
	if err != nil {
		return "", err
	}
	if got != hash {
		return "", fmt.Errorf("copy of %s does not match the recorded content", src)
	}
	return src, nil
}

// outputBindings maps output names to paths relative to the working area.
// A demultiplex output binds to the directory holding its per-sample files.
func outputBindings(task *domain.Task) map[string]string {
	out := make(map[string]string, len(task.Outputs))
	for _, o := range task.Outputs {
		if task.Scope == domain.ScopeDemultiplex {
			out[o.Name] = filepath.Dir(filepath.FromSlash(o.Path))
			continue
		}
		out[o.Name] = o.Path
	}
	return out
}

func templateSamples(task *domain.Task, samples []string) []string {
	switch task.Scope {
	case domain.ScopeDataset:
		return samples
	case domain.ScopeDemultiplex:
		return task.Samples
	}
	return []string{task.ID.Sample}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

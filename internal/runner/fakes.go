package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/example/riboflow/internal/domain"
)

// FakeRunner is a test double for Runner. Instead of running the command it
// writes every declared output with content derived from the task id and
// the content of its inputs, so downstream fingerprints change exactly when
// upstream content does.
type FakeRunner struct {
	mu sync.Mutex

	// Exits scripts the exit code of a task; unlisted tasks exit 0.
	Exits map[domain.TaskID]int

	// Flaky makes a task fail this many times before it succeeds.
	Flaky map[domain.TaskID]int

	// SkipOutputs makes a task exit 0 without writing its outputs.
	SkipOutputs map[domain.TaskID]bool

	// Stderr scripts what a task writes to stderr.
	Stderr map[domain.TaskID]string

	// Generation is mixed into every output, simulating tools whose output
	// differs between runs.
	Generation int

	// Delay adds artificial delay to Run calls.
	Delay time.Duration

	// Gate, when set, holds every invocation until it is closed or the
	// context is cancelled. Started receives each task id once it is held.
	Gate    chan struct{}
	Started chan domain.TaskID

	// Invocations logs every call in start order.
	Invocations []Invocation

	attempts    map[domain.TaskID]int
	inFlight    int
	maxInFlight int
}

// NewFakeRunner creates a new FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Exits:       make(map[domain.TaskID]int),
		Flaky:       make(map[domain.TaskID]int),
		SkipOutputs: make(map[domain.TaskID]bool),
		Stderr:      make(map[domain.TaskID]string),
		attempts:    make(map[domain.TaskID]int),
	}
}

// Run implements Runner.
func (r *FakeRunner) Run(ctx context.Context, inv *Invocation) (*Outcome, error) {
	r.mu.Lock()
	r.Invocations = append(r.Invocations, *inv)
	r.attempts[inv.TaskID]++
	attempt := r.attempts[inv.TaskID]
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	code := r.Exits[inv.TaskID]
	if attempt <= r.Flaky[inv.TaskID] {
		code = 1
	}
	skip := r.SkipOutputs[inv.TaskID]
	stderr := r.Stderr[inv.TaskID]
	generation := r.Generation
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	start := time.Now()
	if r.Gate != nil {
		if r.Started != nil {
			r.Started <- inv.TaskID
		}
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return &Outcome{ExitCode: -1, Duration: time.Since(start), Attempts: 1},
				fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return &Outcome{ExitCode: -1, Duration: time.Since(start), Attempts: 1},
				fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
	}

	if inv.StderrPath != "" {
		if err := os.WriteFile(inv.StderrPath, []byte(stderr), 0o644); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
	}
	if code == 0 && !skip {
		content, err := fakeContent(inv, generation)
		if err != nil {
			return nil, err
		}
		for _, path := range inv.Outputs {
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
			}
		}
	}
	return &Outcome{ExitCode: code, Stderr: stderr, Duration: time.Since(start), Attempts: 1}, nil
}

func fakeContent(inv *Invocation, generation int) ([]byte, error) {
	h := sha256.New()
	for _, in := range inv.Inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
		h.Write(data)
	}
	content := fmt.Sprintf("%s\n%s\n", inv.TaskID, hex.EncodeToString(h.Sum(nil)))
	if generation != 0 {
		content += fmt.Sprintf("generation %d\n", generation)
	}
	return []byte(content), nil
}

// Calls returns how many times a task was invoked.
func (r *FakeRunner) Calls(id domain.TaskID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

// TotalCalls returns the number of invocations.
func (r *FakeRunner) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Invocations)
}

// MaxInFlight returns the highest number of concurrent invocations seen.
func (r *FakeRunner) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

// Reset clears the invocation log and counters.
func (r *FakeRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Invocations = nil
	r.attempts = make(map[domain.TaskID]int)
	r.maxInFlight = 0
}

// Package runner runs the rendered command of a task as an external
// subprocess and reports how it ended.
package runner

import (
	"context"
	"time"

	"github.com/example/riboflow/internal/domain"
)

// Runner executes one task invocation.
//
// A non-zero exit is reported through Outcome, not as an error. Run returns
// an error only when the subprocess could not be started (domain.ErrIO) or
// the context was cancelled while it ran (domain.ErrCancelled); in the
// latter case the Outcome describes the interrupted attempt.
type Runner interface {
	Run(ctx context.Context, inv *Invocation) (*Outcome, error)
}

// Invocation specifies how to run a task.
type Invocation struct {
	TaskID domain.TaskID

	// Command is the rendered shell command.
	Command string

	// Dir is the task's working area.
	Dir string

	// Env contains additional environment variables.
	Env map[string]string

	// Timeout bounds a single attempt; zero means no limit.
	Timeout time.Duration

	// Retries is how many times a failing attempt is repeated.
	Retries int

	// StdoutPath and StderrPath receive the captured streams. Empty paths
	// discard stdout and keep stderr in memory only.
	StdoutPath string
	StderrPath string

	// Inputs are the linked input files; Outputs the absolute paths of the
	// declared outputs. The real runner leaves both to the command.
	Inputs  []string
	Outputs []string
}

// Outcome describes how the last attempt of an invocation ended.
type Outcome struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
	Attempts int
	TimedOut bool
}

// Succeeded reports whether the subprocess exited with code 0.
func (o *Outcome) Succeeded() bool { return o.ExitCode == 0 && !o.TimedOut }

package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a state transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrConfig is returned when a pipeline definition or runtime configuration is malformed.
	ErrConfig = errors.New("configuration error")

	// ErrUndeclaredInput is returned when a stage consumes an artifact nobody declares.
	ErrUndeclaredInput = errors.New("undeclared input")

	// ErrCyclicDependency is returned when a dependency cycle is detected.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrIO is returned when an input is unreadable or a working area is unwritable.
	ErrIO = errors.New("i/o error")

	// ErrSubprocess is returned when an external tool exits with a non-zero code.
	ErrSubprocess = errors.New("subprocess failed")

	// ErrMissingOutput is returned when a tool exits cleanly but a declared output is absent.
	ErrMissingOutput = errors.New("declared output missing")

	// ErrCacheConsistency is returned when a ledger entry disagrees with the file on disk.
	ErrCacheConsistency = errors.New("cache consistency error")

	// ErrCancelled is returned when the run was interrupted before all tasks finished.
	ErrCancelled = errors.New("run cancelled")
)

// ConfigError describes a pipeline definition problem detected before any task runs.
// It unwraps to both ErrConfig and its Kind.
type ConfigError struct {
	Kind error
	Msg  string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	kind := ErrConfig
	if e.Kind != nil {
		kind = e.Kind
	}
	if e.Msg == "" {
		return kind.Error()
	}
	return fmt.Sprintf("%s: %s", kind.Error(), e.Msg)
}

func (e *ConfigError) Unwrap() []error {
	if e.Kind == nil || e.Kind == ErrConfig {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Kind}
}

// Configf returns a ConfigError of the given kind.
func Configf(kind error, format string, args ...any) error {
	return &ConfigError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// CycleError returns a ConfigError describing the cycle path.
func CycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &ConfigError{Kind: ErrCyclicDependency, Msg: msg}
}

// TaskError describes why a single task did not succeed.
type TaskError struct {
	TaskID   TaskID
	Kind     error
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TaskError) Error() string {
	var b strings.Builder
	b.WriteString(e.TaskID.String())
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Kind == ErrSubprocess {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

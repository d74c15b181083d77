package domain

import "fmt"

// RunState describes the runtime state of a task within one run.
type RunState int

const (
	RunStateUnknown   RunState = 0
	RunStatePending   RunState = 10 // Waiting on producers
	RunStateReady     RunState = 20 // All producers finished successfully
	RunStateRunning   RunState = 30 // Dispatched to a worker
	RunStateCached    RunState = 40 // Satisfied from the ledger
	RunStateSucceeded RunState = 50 // Subprocess exited 0 with all outputs
	RunStateFailed    RunState = 60 // Subprocess, I/O or output failure
	RunStateSkipped   RunState = 70 // A required producer failed or was skipped
)

func (s RunState) String() string {
	switch s {
	case RunStatePending:
		return "PENDING"
	case RunStateReady:
		return "READY"
	case RunStateRunning:
		return "RUNNING"
	case RunStateCached:
		return "CACHED"
	case RunStateSucceeded:
		return "SUCCEEDED"
	case RunStateFailed:
		return "FAILED"
	case RunStateSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// ParseRunState is the inverse of String.
func ParseRunState(s string) (RunState, error) {
	for _, st := range []RunState{
		RunStatePending, RunStateReady, RunStateRunning, RunStateCached,
		RunStateSucceeded, RunStateFailed, RunStateSkipped,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return RunStateUnknown, fmt.Errorf("%w: unknown run state %q", ErrInvalidState, s)
}

// IsTerminal returns true if the task will not change state again in this run.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCached, RunStateSucceeded, RunStateFailed, RunStateSkipped:
		return true
	}
	return false
}

// IsSuccess returns true for states whose outputs consumers may use.
func (s RunState) IsSuccess() bool {
	return s == RunStateCached || s == RunStateSucceeded
}

// ValidRunStateTransition checks if a state transition is valid.
// Valid transitions: PENDING -> READY -> RUNNING -> {CACHED, SUCCEEDED, FAILED},
// with READY -> CACHED for ledger hits and PENDING/READY -> SKIPPED.
func ValidRunStateTransition(from, to RunState) bool {
	switch from {
	case RunStatePending:
		return to == RunStateReady || to == RunStateSkipped
	case RunStateReady:
		return to == RunStateRunning || to == RunStateCached || to == RunStateSkipped
	case RunStateRunning:
		return to == RunStateCached || to == RunStateSucceeded || to == RunStateFailed
	case RunStateCached, RunStateSucceeded, RunStateFailed, RunStateSkipped:
		return false // Terminal states
	default:
		return to == RunStatePending // Allow setting initial state
	}
}

// RunStatus is the overall outcome of a run.
type RunStatus int

const (
	RunStatusUnknown        RunStatus = 0
	RunStatusSuccess        RunStatus = 10
	RunStatusPartialFailure RunStatus = 20
	RunStatusTotalFailure   RunStatus = 30
	RunStatusCancelled      RunStatus = 40
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusSuccess:
		return "SUCCESS"
	case RunStatusPartialFailure:
		return "PARTIAL_FAILURE"
	case RunStatusTotalFailure:
		return "TOTAL_FAILURE"
	case RunStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Process exit codes.
const (
	ExitSuccess        = 0
	ExitError          = 1
	ExitPartialFailure = 2
	ExitTotalFailure   = 3
	ExitCancelled      = 130
)

// ExitCode maps the run status onto the process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusSuccess:
		return ExitSuccess
	case RunStatusPartialFailure:
		return ExitPartialFailure
	case RunStatusTotalFailure:
		return ExitTotalFailure
	case RunStatusCancelled:
		return ExitCancelled
	default:
		return ExitError
	}
}

// StatusOf derives the overall run status from terminal task states. A run
// with failures is partial when at least one sample had every per-sample task
// succeed. Without per-sample tasks any successful task makes it partial.
func StatusOf(states map[TaskID]RunState) RunStatus {
	complete := make(map[string]bool)
	anySucceeded, failures := false, false
	for id, s := range states {
		if s.IsSuccess() {
			anySucceeded = true
		} else {
			failures = true
		}
		if id.IsDataset() {
			continue
		}
		ok, seen := complete[id.Sample]
		complete[id.Sample] = (ok || !seen) && s.IsSuccess()
	}
	if !failures {
		return RunStatusSuccess
	}
	if len(complete) == 0 {
		if anySucceeded {
			return RunStatusPartialFailure
		}
		return RunStatusTotalFailure
	}
	for _, ok := range complete {
		if ok {
			return RunStatusPartialFailure
		}
	}
	return RunStatusTotalFailure
}

// AggregationPolicy decides whether dataset tasks run on a reduced sample set.
type AggregationPolicy string

const (
	AggregationStrict  AggregationPolicy = "strict"  // Any missing sample skips the task
	AggregationPartial AggregationPolicy = "partial" // Run with the samples that succeeded
)

// ParseAggregationPolicy validates a policy name; empty means strict.
func ParseAggregationPolicy(s string) (AggregationPolicy, error) {
	switch AggregationPolicy(s) {
	case "", AggregationStrict:
		return AggregationStrict, nil
	case AggregationPartial:
		return AggregationPartial, nil
	default:
		return "", Configf(ErrConfig, "unknown aggregation policy %q", s)
	}
}

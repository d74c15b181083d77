// Package report turns a run result into the summary shown at the end of
// "riboflow run" and by "riboflow status".
package report

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/scheduler"
)

// stderrTailLines is how much stderr a failure report shows.
const stderrTailLines = 10

// Summary contains the final results of a run.
type Summary struct {
	RunID    string
	Status   domain.RunStatus
	Duration time.Duration

	Total  int
	Counts map[domain.RunState]int

	Samples  []SampleStatus
	Failures []*Failure
	Warnings []string
}

// SampleStatus says whether every per-sample task of a sample succeeded.
type SampleStatus struct {
	Sample string
	State  string // complete, failed, incomplete
	Failed []domain.TaskID
}

// Failure contains details about a failed task.
type Failure struct {
	TaskID   domain.TaskID
	Error    string
	ExitCode int
	Stderr   string // last lines only
	WorkDir  string
	Skipped  []domain.TaskID
}

// Summarize builds a summary from a run result.
func Summarize(res *scheduler.Result) *Summary {
	s := &Summary{
		RunID:  res.RunID,
		Status: res.Status,
		Total:  len(res.Tasks),
		Counts: make(map[domain.RunState]int),
	}
	if !res.FinishedAt.IsZero() {
		s.Duration = res.FinishedAt.Sub(res.StartedAt)
	}
	for _, w := range res.Warnings {
		s.Warnings = append(s.Warnings, w.Error())
	}

	var order []string
	bySample := make(map[string]*SampleStatus)
	for _, t := range res.Tasks {
		s.Counts[t.State]++

		if !t.TaskID.IsDataset() {
			ss, ok := bySample[t.TaskID.Sample]
			if !ok {
				ss = &SampleStatus{Sample: t.TaskID.Sample, State: "complete"}
				bySample[t.TaskID.Sample] = ss
				order = append(order, t.TaskID.Sample)
			}
			switch {
			case t.State == domain.RunStateFailed:
				ss.State = "failed"
				ss.Failed = append(ss.Failed, t.TaskID)
			case !t.State.IsSuccess() && ss.State == "complete":
				ss.State = "incomplete"
			}
		}

		if t.State == domain.RunStateFailed {
			f := &Failure{
				TaskID:   t.TaskID,
				ExitCode: t.ExitCode,
				Stderr:   tailLines(t.Stderr, stderrTailLines),
				WorkDir:  t.WorkDir,
				Skipped:  res.SkippedBy(t.TaskID),
			}
			if t.Err != nil {
				f.Error = t.Err.Error()
			}
			s.Failures = append(s.Failures, f)
		}
	}
	for _, sample := range order {
		s.Samples = append(s.Samples, *bySample[sample])
	}
	return s
}

// FromLedger rebuilds a summary from the task states a run persisted.
func FromLedger(run *domain.RunRecord, recs []*domain.TaskStateRecord) *Summary {
	res := &scheduler.Result{RunID: run.ID, Status: run.Status, StartedAt: run.StartedAt}
	if run.FinishedAt != nil {
		res.FinishedAt = *run.FinishedAt
	}
	for _, rec := range recs {
		t := &scheduler.TaskResult{
			TaskID:         rec.TaskID,
			State:          rec.State,
			ExitCode:       rec.ExitCode,
			SkippedBecause: rec.SkippedBecause,
			WorkDir:        rec.WorkDir,
		}
		if rec.Message != "" {
			t.Err = errors.New(rec.Message)
		}
		res.Tasks = append(res.Tasks, t)
	}
	return Summarize(res)
}

// ExitCode maps a run status onto the process exit code.
func ExitCode(status domain.RunStatus) int {
	return status.ExitCode()
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Print writes the summary for a terminal.
func Print(w io.Writer, s *Summary) {
	title := fmt.Sprintf("Run %s: %s", s.RunID, s.Status)
	banner(w, title, bold(colorStatus(s.Status, title)))

	fmt.Fprintf(w, "Tasks: %d total, %s succeeded, %s cached, %s failed, %s skipped",
		s.Total,
		green(s.Counts[domain.RunStateSucceeded]),
		cyan(s.Counts[domain.RunStateCached]),
		red(s.Counts[domain.RunStateFailed]),
		yellow(s.Counts[domain.RunStateSkipped]))
	if s.Duration > 0 {
		fmt.Fprintf(w, " in %s", s.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	if len(s.Samples) > 0 {
		fmt.Fprintln(w, "\nSamples:")
		for _, ss := range s.Samples {
			switch ss.State {
			case "complete":
				fmt.Fprintf(w, "  %s %s\n", green("✓"), ss.Sample)
			case "failed":
				fmt.Fprintf(w, "  %s %s (failed: %s)\n", red("✗"), ss.Sample, joinIDs(ss.Failed))
			default:
				fmt.Fprintf(w, "  %s %s (incomplete)\n", yellow("-"), ss.Sample)
			}
		}
	}

	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "%s %s\n", yellow("⚠"), warning)
	}

	if len(s.Failures) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  %s %s\n", red("✗"), bold(f.TaskID))
			if f.Error != "" {
				fmt.Fprintf(w, "    error: %s\n", f.Error)
			}
			if f.WorkDir != "" {
				fmt.Fprintf(w, "    workdir: %s\n", f.WorkDir)
			}
			if len(f.Skipped) > 0 {
				fmt.Fprintf(w, "    skipped: %s\n", joinIDs(f.Skipped))
			}
			if f.Stderr != "" {
				fmt.Fprintln(w, "    stderr:")
				for _, l := range strings.Split(f.Stderr, "\n") {
					fmt.Fprintf(w, "      %s\n", l)
				}
			}
		}
	}
}

func colorStatus(status domain.RunStatus, text string) string {
	switch status {
	case domain.RunStatusSuccess:
		return color.GreenString("%s", text)
	case domain.RunStatusPartialFailure, domain.RunStatusCancelled:
		return color.YellowString("%s", text)
	default:
		return color.RedString("%s", text)
	}
}

func joinIDs(ids []domain.TaskID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

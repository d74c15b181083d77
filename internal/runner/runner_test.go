package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/riboflow/internal/domain"
)

var taskX = domain.TaskID{Stage: "trim", Sample: "X"}

func TestCommandRunnerCapturesStreams(t *testing.T) {
	dir := t.TempDir()
	inv := &Invocation{
		TaskID:     taskX,
		Command:    `echo "hello $GREETING"; echo oops >&2; exit 3`,
		Dir:        dir,
		Env:        map[string]string{"GREETING": "ribosome"},
		StdoutPath: filepath.Join(dir, ".stdout"),
		StderrPath: filepath.Join(dir, ".stderr"),
	}
	out, err := NewCommandRunner("", time.Second).Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 3 || out.Succeeded() {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if out.Stderr != "oops\n" {
		t.Errorf("Stderr = %q", out.Stderr)
	}
	stdout, err := os.ReadFile(inv.StdoutPath)
	if err != nil || string(stdout) != "hello ribosome\n" {
		t.Errorf("stdout = %q, %v", stdout, err)
	}
}

func TestCommandRunnerRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	inv := &Invocation{TaskID: taskX, Command: "echo data > out.txt", Dir: dir}
	out, err := NewCommandRunner("/bin/sh", time.Second).Run(context.Background(), inv)
	if err != nil || !out.Succeeded() {
		t.Fatalf("Run: %+v, %v", out, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("output not written in work dir: %v", err)
	}
}

func TestCommandRunnerTimeout(t *testing.T) {
	inv := &Invocation{TaskID: taskX, Command: "sleep 5", Dir: t.TempDir(), Timeout: 50 * time.Millisecond}
	out, err := NewCommandRunner("", 100*time.Millisecond).Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("a timeout is an outcome, not an error: %v", err)
	}
	if !out.TimedOut || out.Succeeded() {
		t.Errorf("expected a timed out outcome, got %+v", out)
	}
}

func TestCommandRunnerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	inv := &Invocation{TaskID: taskX, Command: "sleep 5", Dir: t.TempDir()}

	start := time.Now()
	_, err := NewCommandRunner("", 100*time.Millisecond).Run(ctx, inv)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancelled subprocess was not terminated promptly")
	}
}

func TestCommandRunnerStartFailure(t *testing.T) {
	inv := &Invocation{TaskID: taskX, Command: "true", Dir: filepath.Join(t.TempDir(), "missing")}
	if _, err := NewCommandRunner("", 0).Run(context.Background(), inv); !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRetryingRunner(t *testing.T) {
	tests := []struct {
		name         string
		flaky        int
		retries      int
		wantExit     int
		wantAttempts int
	}{
		{name: "succeeds after retries", flaky: 2, retries: 2, wantExit: 0, wantAttempts: 3},
		{name: "gives up", flaky: 5, retries: 2, wantExit: 1, wantAttempts: 3},
		{name: "no retries", flaky: 1, retries: 0, wantExit: 1, wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := NewFakeRunner()
			fake.Flaky[taskX] = tt.flaky
			r := NewRetryingRunner(fake).WithBackOff(zeroBackOff)

			out, err := r.Run(context.Background(), &Invocation{TaskID: taskX, Retries: tt.retries})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d", out.ExitCode, tt.wantExit)
			}
			if out.Attempts != tt.wantAttempts || fake.Calls(taskX) != tt.wantAttempts {
				t.Errorf("attempts = %d (calls %d), want %d", out.Attempts, fake.Calls(taskX), tt.wantAttempts)
			}
		})
	}
}

func TestFakeRunnerWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.fq")
	if err := os.WriteFile(in, []byte("ACGT"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "trim.fq")
	fake := NewFakeRunner()
	inv := &Invocation{TaskID: taskX, Inputs: []string{in}, Outputs: []string{out}}

	if _, err := fake.Run(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(out)
	if !strings.HasPrefix(string(first), "trim@X\n") {
		t.Errorf("unexpected output %q", first)
	}

	if err := os.WriteFile(in, []byte("TTTT"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fake.Run(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(out)
	if string(first) == string(second) {
		t.Error("output should follow input content")
	}
	if fake.TotalCalls() != 2 || fake.MaxInFlight() != 1 {
		t.Errorf("calls = %d, max in flight = %d", fake.TotalCalls(), fake.MaxInFlight())
	}
}

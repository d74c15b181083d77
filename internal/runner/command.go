package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/example/riboflow/internal/domain"
)

// CommandRunner implements Runner by executing the command with a shell.
type CommandRunner struct {
	// Shell is the shell to use for executing commands.
	// Defaults to "/bin/sh".
	Shell string

	// ShellArg is the argument to pass to the shell before the command.
	// Defaults to "-c".
	ShellArg string

	// KillGrace is how long an interrupted subprocess has between SIGTERM
	// and SIGKILL.
	KillGrace time.Duration
}

// NewCommandRunner creates a new CommandRunner.
func NewCommandRunner(shell string, killGrace time.Duration) *CommandRunner {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &CommandRunner{Shell: shell, ShellArg: "-c", KillGrace: killGrace}
}

// Run executes the command in the invocation's working directory.
func (r *CommandRunner) Run(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	// Set up context with timeout
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	shellArg := r.ShellArg
	if shellArg == "" {
		shellArg = "-c"
	}
	cmd := exec.CommandContext(runCtx, r.shell(), shellArg, inv.Command)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), environ(inv.Env)...)
	configureProcess(cmd, r.KillGrace)

	stdout, closeStdout, err := openLog(inv.StdoutPath)
	if err != nil {
		return nil, err
	}
	defer closeStdout()
	cmd.Stdout = stdout

	var stderrBuf bytes.Buffer
	if inv.StderrPath == "" {
		cmd.Stderr = &stderrBuf
	} else {
		f, closeStderr, err := openLog(inv.StderrPath)
		if err != nil {
			return nil, err
		}
		defer closeStderr()
		cmd.Stderr = f
	}

	start := time.Now()
	runErr := cmd.Run()
	out := &Outcome{Duration: time.Since(start), Attempts: 1}

	if cmd.ProcessState == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: starting %s: %v", domain.ErrIO, inv.TaskID, runErr)
	}
	out.ExitCode = cmd.ProcessState.ExitCode()

	if inv.StderrPath == "" {
		out.Stderr = stderrBuf.String()
	} else if data, err := os.ReadFile(inv.StderrPath); err == nil {
		out.Stderr = string(data)
	}

	switch {
	case ctx.Err() != nil:
		return out, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	case runCtx.Err() != nil:
		out.TimedOut = true
		if out.ExitCode == 0 {
			out.ExitCode = -1
		}
	}
	return out, nil
}

func (r *CommandRunner) shell() string {
	if r.Shell == "" {
		return "/bin/sh"
	}
	return r.Shell
}

func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// openLog creates a log file, or returns io.Discard for an empty path.
func openLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return f, func() { f.Close() }, nil
}

// Package workspace lays out per-task working areas on disk.
//
//	<root>/tasks/<stage>/<sample|_dataset>/
//	    inputs/<input>__<sample>__<basename>   symlinks to consumed artifacts
//	    <declared outputs>
//	    .command.sh  .stdout  .stderr  .exitcode
//
// A working area is addressed by task identity alone, so a failed task can be
// inspected and re-run by hand with its .command.sh.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/example/riboflow/internal/domain"
)

const (
	tasksDir    = "tasks"
	inputsDir   = "inputs"
	datasetDir  = "_dataset"
	commandFile = ".command.sh"
	stdoutFile  = ".stdout"
	stderrFile  = ".stderr"
	exitFile    = ".exitcode"
)

// Workspace owns the working directory of a pipeline.
type Workspace struct {
	root       string
	publishDir string
}

// New returns a workspace rooted at root. Outputs marked for publishing are
// linked under publishDir; an empty publishDir disables publishing.
func New(root, publishDir string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: work dir %s: %v", domain.ErrIO, root, err)
	}
	if publishDir != "" {
		if publishDir, err = filepath.Abs(publishDir); err != nil {
			return nil, fmt.Errorf("%w: publish dir: %v", domain.ErrIO, err)
		}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return &Workspace{root: abs, publishDir: publishDir}, nil
}

// Root returns the absolute working directory.
func (w *Workspace) Root() string { return w.root }

// TaskDir returns the working area of a task.
func (w *Workspace) TaskDir(id domain.TaskID) string {
	sample := id.Sample
	if id.IsDataset() {
		sample = datasetDir
	}
	return filepath.Join(w.root, tasksDir, id.Stage, sample)
}

// OutputPath returns where a task's declared output lives.
func (w *Workspace) OutputPath(id domain.TaskID, out domain.Output) string {
	return filepath.Join(w.TaskDir(id), filepath.FromSlash(out.Path))
}

// Area is a prepared working area.
type Area struct {
	TaskID domain.TaskID
	Dir    string
}

// Open returns the area of a task without touching the disk.
func (w *Workspace) Open(id domain.TaskID) *Area {
	return &Area{TaskID: id, Dir: w.TaskDir(id)}
}

// Prepare wipes and recreates the working area of a task, including the
// parent directories of its declared outputs.
func (w *Workspace) Prepare(id domain.TaskID, outputs []string) (*Area, error) {
	a := w.Open(id)
	if err := os.RemoveAll(a.Dir); err != nil {
		return nil, fmt.Errorf("%w: clearing %s: %v", domain.ErrIO, a.Dir, err)
	}
	if err := os.MkdirAll(filepath.Join(a.Dir, inputsDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	for _, out := range outputs {
		parent := filepath.Dir(filepath.Join(a.Dir, filepath.FromSlash(out)))
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
	}
	return a, nil
}

// Link symlinks target into the area's inputs directory and returns the link
// path. Inputs are never copied.
func (a *Area) Link(input string, key domain.ArtifactKey, target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("%w: input %s: %v", domain.ErrIO, key, err)
	}
	sample := key.Sample
	if sample == domain.DatasetSample {
		sample = domain.DatasetMarker
	}
	link := filepath.Join(a.Dir, inputsDir, input+"__"+sample+"__"+filepath.Base(abs))
	if err := os.Symlink(abs, link); err != nil {
		return "", fmt.Errorf("%w: linking %s: %v", domain.ErrIO, key, err)
	}
	return link, nil
}

// WriteCommand stores the rendered command as a standalone script.
func (a *Area) WriteCommand(command string, env map[string]string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# %s\n", a.TaskID)
	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(a.Dir))
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	b.WriteString(command)
	b.WriteString("\n")
	if err := os.WriteFile(a.CommandPath(), []byte(b.String()), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}

// WriteExitCode records the subprocess exit code.
func (a *Area) WriteExitCode(code int) error {
	if err := os.WriteFile(filepath.Join(a.Dir, exitFile), []byte(strconv.Itoa(code)+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}

func (a *Area) CommandPath() string { return filepath.Join(a.Dir, commandFile) }
func (a *Area) StdoutPath() string  { return filepath.Join(a.Dir, stdoutFile) }
func (a *Area) StderrPath() string  { return filepath.Join(a.Dir, stderrFile) }

// ExitCode reads the recorded exit code.
func (a *Area) ExitCode() (int, error) {
	data, err := os.ReadFile(filepath.Join(a.Dir, exitFile))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed exit code file: %v", domain.ErrIO, err)
	}
	return code, nil
}

// Publish links a task's produced file into the publish directory.
func (w *Workspace) Publish(key domain.ArtifactKey, path string) error {
	if w.publishDir == "" {
		return nil
	}
	sample := key.Sample
	if sample == domain.DatasetSample {
		sample = domain.DatasetMarker
	}
	dir := filepath.Join(w.publishDir, sample)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	link := filepath.Join(dir, filepath.Base(path))
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if err := os.Symlink(path, link); err != nil {
		return fmt.Errorf("%w: publishing %s: %v", domain.ErrIO, key, err)
	}
	return nil
}

// Restore copies src to dst through a temporary file in dst's directory, so
// dst never holds a partial copy.
func (w *Workspace) Restore(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: copying %s: %v", domain.ErrIO, src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}

// Clean removes every working area. The ledger is not touched.
func (w *Workspace) Clean() error {
	if err := os.RemoveAll(filepath.Join(w.root, tasksDir)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

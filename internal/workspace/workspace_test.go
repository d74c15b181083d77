package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/riboflow/internal/domain"
)

func TestTaskDirLayout(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		id   domain.TaskID
		want string
	}{
		{domain.TaskID{Stage: "trim", Sample: "X"}, filepath.Join(root, "tasks", "trim", "X")},
		{domain.TaskID{Stage: "collate"}, filepath.Join(root, "tasks", "collate", "_dataset")},
	}
	for _, tt := range tests {
		if got := w.TaskDir(tt.id); got != tt.want {
			t.Errorf("TaskDir(%s) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestPrepareWipesAndLinks(t *testing.T) {
	root := t.TempDir()
	w, err := New(filepath.Join(root, "work"), "")
	if err != nil {
		t.Fatal(err)
	}
	id := domain.TaskID{Stage: "demultiplex"}

	a, err := w.Prepare(id, []string{"deplex/Tag0.fastq"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	stale := filepath.Join(a.Dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if a, err = w.Prepare(id, []string{"deplex/Tag0.fastq"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Prepare should wipe earlier contents")
	}
	if info, err := os.Stat(filepath.Join(a.Dir, "deplex")); err != nil || !info.IsDir() {
		t.Error("Prepare should create output parent directories")
	}

	src := filepath.Join(root, "multiplex.fq")
	if err := os.WriteFile(src, []byte("@r1\nACGT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	link, err := a.Link("mux", domain.ArtifactKey{Name: "mux"}, src)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if filepath.Base(link) != "mux__dataset__multiplex.fq" {
		t.Errorf("unexpected link name %s", filepath.Base(link))
	}
	if target, _ := os.Readlink(link); target != src {
		t.Errorf("link points at %q, want %q", target, src)
	}

	_, err = a.Link("fq", domain.ArtifactKey{Name: "fq", Sample: "X"}, filepath.Join(root, "nope.fq"))
	if !errors.Is(err, domain.ErrIO) {
		t.Errorf("linking a missing input should be ErrIO, got %v", err)
	}
}

func TestCommandScriptAndExitCode(t *testing.T) {
	w, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	a, err := w.Prepare(domain.TaskID{Stage: "sort", Sample: "X"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteCommand("samtools sort -o sorted.bam in.sam", map[string]string{"LC_ALL": "C"}); err != nil {
		t.Fatal(err)
	}
	script, err := os.ReadFile(a.CommandPath())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"#!/bin/sh\n", "# sort@X\n", "export LC_ALL='C'\n", "samtools sort -o sorted.bam in.sam\n"} {
		if !strings.Contains(string(script), want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}

	if err := a.WriteExitCode(3); err != nil {
		t.Fatal(err)
	}
	code, err := w.Open(a.TaskID).ExitCode()
	if err != nil || code != 3 {
		t.Errorf("ExitCode() = %d, %v", code, err)
	}
}

func TestPublish(t *testing.T) {
	root := t.TempDir()
	w, err := New(filepath.Join(root, "work"), filepath.Join(root, "out"))
	if err != nil {
		t.Fatal(err)
	}
	produced := filepath.Join(root, "X.h5")
	if err := os.WriteFile(produced, []byte("h5"), 0o644); err != nil {
		t.Fatal(err)
	}
	key := domain.ArtifactKey{Name: "h5", Sample: "X"}
	for i := 0; i < 2; i++ {
		if err := w.Publish(key, produced); err != nil {
			t.Fatalf("Publish #%d: %v", i+1, err)
		}
	}
	target, err := os.Readlink(filepath.Join(root, "out", "X", "X.h5"))
	if err != nil || target != produced {
		t.Errorf("published link = %q, %v", target, err)
	}

	if err := w.Clean(); err != nil {
		t.Fatal(err)
	}
}

func TestRestore(t *testing.T) {
	root := t.TempDir()
	w, err := New(filepath.Join(root, "work"), "")
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(root, "copy.bam")
	if err := os.WriteFile(src, []byte("bam"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(w.TaskDir(domain.TaskID{Stage: "sort_bam", Sample: "X"}), "X.bam")
	if err := w.Restore(dst, src); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got, err := os.ReadFile(dst); err != nil || string(got) != "bam" {
		t.Errorf("restored = %q, %v", got, err)
	}
	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil || len(entries) != 1 {
		t.Errorf("restore left %d entries, want only the copy (%v)", len(entries), err)
	}
	if err := w.Restore(dst, filepath.Join(root, "missing")); !errors.Is(err, domain.ErrIO) {
		t.Errorf("expected ErrIO for a missing source, got %v", err)
	}
}

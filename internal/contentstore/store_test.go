package contentstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/riboflow/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestFingerprintIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.fq", "@read1\nACGT\n+\nIIII\n")
	b := writeFile(t, dir, "nested-b.fq", "@read1\nACGT\n+\nIIII\n")
	c := writeFile(t, dir, "c.fq", "@read2\nTTTT\n+\nIIII\n")

	s := New()
	ha, err := s.Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint(a): %v", err)
	}
	hb, err := s.Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint(b): %v", err)
	}
	hc, err := s.Fingerprint(c)
	if err != nil {
		t.Fatalf("Fingerprint(c): %v", err)
	}

	if ha != hb {
		t.Errorf("same bytes at different paths should share a fingerprint: %s vs %s", ha, hb)
	}
	if ha == hc {
		t.Error("different bytes should not share a fingerprint")
	}
	if ha != HashBytes([]byte("@read1\nACGT\n+\nIIII\n")) {
		t.Error("file fingerprint should equal the in-memory fingerprint of the same bytes")
	}
}

func TestFingerprintMemoizesUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "reads.fq", "ACGT")

	s := New()
	first, err := s.Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	second, err := s.Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if first != second {
		t.Fatalf("fingerprint changed for unchanged file")
	}
	if got := s.HashCount(); got != 1 {
		t.Errorf("expected 1 file read, got %d", got)
	}

	// Different size guarantees the stat key changes.
	writeFile(t, dir, "reads.fq", "ACGTACGT")
	third, err := s.Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if third == first {
		t.Error("rewritten file should be re-hashed")
	}
	if got := s.HashCount(); got != 2 {
		t.Errorf("expected 2 file reads, got %d", got)
	}
}

func TestFingerprintUnreadable(t *testing.T) {
	s := New()
	_, err := s.Fingerprint(filepath.Join(t.TempDir(), "missing.fq"))
	if !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}

	_, err = s.Fingerprint(t.TempDir())
	if !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO for a directory, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "orf_map.sam", "@HD\tVN:1.0\n")

	s := New()
	if _, ok := s.Lookup(HashBytes([]byte("@HD\tVN:1.0\n"))); ok {
		t.Fatal("lookup should miss before anything is fingerprinted")
	}
	h, err := s.Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	got, ok := s.Lookup(h)
	if !ok {
		t.Fatal("expected lookup hit")
	}
	abs, _ := filepath.Abs(path)
	if got != abs {
		t.Errorf("Lookup = %q, want %q", got, abs)
	}

	writeFile(t, dir, "orf_map.sam", "@HD\tVN:1.6\tSO:coordinate\n")
	if _, ok := s.Lookup(h); ok {
		t.Error("lookup should miss once the file changed")
	}
}

func TestForget(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "x", "1")
	s := New()
	h, _ := s.Fingerprint(path)
	s.Forget(path)
	if _, ok := s.Lookup(h); ok {
		t.Error("forgotten path should not be returned")
	}
	if _, err := s.Fingerprint(path); err != nil {
		t.Fatal(err)
	}
	if got := s.HashCount(); got != 2 {
		t.Errorf("expected re-hash after Forget, got %d reads", got)
	}
}

func TestFingerprintAll(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		paths = append(paths, writeFile(t, dir, name, "content-"+name))
	}

	s := New()
	got, err := s.FingerprintAll(context.Background(), paths, 2)
	if err != nil {
		t.Fatalf("FingerprintAll: %v", err)
	}
	if len(got) != len(paths) {
		t.Fatalf("expected %d results, got %d", len(paths), len(got))
	}
	for _, p := range paths {
		want := HashBytes([]byte("content-" + filepath.Base(p)))
		if got[p] != want {
			t.Errorf("%s: got %s, want %s", p, got[p], want)
		}
	}

	paths = append(paths, filepath.Join(dir, "missing"))
	if _, err := s.FingerprintAll(context.Background(), paths, 2); !errors.Is(err, domain.ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}

// Package contentstore computes and memoizes content fingerprints of files.
//
// A fingerprint is the sha256 of a file's bytes. It does not depend on the
// file's name, location or modification time; the file's stat is used only to
// decide whether a previously computed fingerprint may be reused.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/riboflow/internal/domain"
)

// statKey is the part of a file's metadata that invalidates a memoized hash.
type statKey struct {
	size    int64
	modTime int64 // UnixNano
	mode    os.FileMode
}

func statOf(info os.FileInfo) statKey {
	return statKey{size: info.Size(), modTime: info.ModTime().UnixNano(), mode: info.Mode()}
}

type memo struct {
	stat statKey
	hash domain.Hash
}

// Store memoizes fingerprints. It is safe for concurrent use; hashing happens
// outside the lock so workers can fingerprint in parallel.
type Store struct {
	mu     sync.Mutex
	byPath map[string]memo
	byHash map[domain.Hash]string

	hashes int64 // number of files actually read, for tests and metrics
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byPath: make(map[string]memo),
		byHash: make(map[domain.Hash]string),
	}
}

// Fingerprint returns the content hash of the file at path. A file whose
// size, modification time and mode are unchanged since the last call is not
// read again.
func (s *Store) Fingerprint(path string) (domain.Hash, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrIO, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrIO, path)
	}
	key := statOf(info)

	s.mu.Lock()
	if m, ok := s.byPath[abs]; ok && m.stat == key {
		s.mu.Unlock()
		return m.hash, nil
	}
	s.mu.Unlock()

	hash, err := hashFile(abs)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.byPath[abs] = memo{stat: key, hash: hash}
	s.byHash[hash] = abs
	s.hashes++
	s.mu.Unlock()
	return hash, nil
}

// Lookup returns a path previously fingerprinted with the given hash, provided
// that file is still unchanged on disk.
func (s *Store) Lookup(hash domain.Hash) (string, bool) {
	s.mu.Lock()
	path, ok := s.byHash[hash]
	var m memo
	if ok {
		m = s.byPath[path]
	}
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	info, err := os.Stat(path)
	if err != nil || statOf(info) != m.stat {
		s.Forget(path)
		return "", false
	}
	return path, true
}

// Forget drops any memoized fingerprint for path. Callers use it before a
// file is rewritten in place.
func (s *Store) Forget(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byPath[abs]
	if !ok {
		return
	}
	delete(s.byPath, abs)
	if s.byHash[m.hash] == abs {
		delete(s.byHash, m.hash)
	}
}

// FingerprintAll fingerprints paths concurrently with at most limit files
// being read at once. The result is keyed by the path as given.
func (s *Store) FingerprintAll(ctx context.Context, paths []string, limit int) (map[string]domain.Hash, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([]domain.Hash, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := s.Fingerprint(p)
			if err != nil {
				return err
			}
			results[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Hash, len(paths))
	for i, p := range paths {
		out[p] = results[i]
	}
	return out, nil
}

// HashCount returns how many files have been read from disk.
func (s *Store) HashCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes
}

func hashFile(path string) (domain.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", domain.ErrIO, path, err)
	}
	return domain.Hash(hex.EncodeToString(h.Sum(nil))), nil
}

// HashBytes fingerprints in-memory content the same way files are fingerprinted.
func HashBytes(b []byte) domain.Hash {
	sum := sha256.Sum256(b)
	return domain.Hash(hex.EncodeToString(sum[:]))
}

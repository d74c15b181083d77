package contentstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/example/riboflow/internal/domain"
)

// Digest builds a sha256 over a sequence of length-prefixed fields, so that
// ("ab", "c") and ("a", "bc") never collide.
type Digest struct {
	h hash.Hash
}

// NewDigest starts an empty digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Field appends one field.
func (d *Digest) Field(s string) *Digest {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(s)))
	d.h.Write(prefix[:])
	d.h.Write([]byte(s))
	return d
}

// Count appends a list length, keeping adjacent lists unambiguous.
func (d *Digest) Count(n int) *Digest {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	d.h.Write(b[:])
	return d
}

// Map appends the entries of m sorted by key.
func (d *Digest) Map(m map[string]string) *Digest {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d.Count(len(keys))
	for _, k := range keys {
		d.Field(k).Field(m[k])
	}
	return d
}

// Sum returns the hex-encoded digest.
func (d *Digest) Sum() domain.Hash {
	return domain.Hash(hex.EncodeToString(d.h.Sum(nil)))
}

// Package id generates run identifiers.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Generate generates a new unique ID.
func Generate() string {
	return uuid.New().String()
}

// GenerateShort generates a shorter unique ID (first 8 chars of UUID).
func GenerateShort() string {
	return uuid.New().String()[:8]
}

// Valid reports whether s is a run id produced by Generate.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// MatchPrefix returns the single id in ids starting with prefix. A prefix
// matching zero or several ids returns false.
func MatchPrefix(ids []string, prefix string) (string, bool) {
	var found string
	for _, candidate := range ids {
		if strings.HasPrefix(candidate, prefix) {
			if found != "" {
				return "", false
			}
			found = candidate
		}
	}
	return found, found != ""
}

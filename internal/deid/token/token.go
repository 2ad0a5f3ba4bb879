// Package token issues replacement tokens for PHI values. A Store maps
// (entity type, original value) to a token and returns the same token for the
// same pair for the life of its backing storage.
//
// The persisted map holds original, unscrubbed values. Whoever deploys a
// Store must restrict access to its backing file, table or keyspace.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SuffixBytes is the number of random bytes in a token suffix. Six bytes
// hex-encode to twelve characters (48 bits).
const SuffixBytes = 6

var (
	ErrClosed       = errors.New("token store is closed")
	ErrCorrupt      = errors.New("token store is corrupt")
	ErrLocked       = errors.New("token store is locked by another writer")
	ErrEmptyType    = errors.New("entity type is required")
	ErrNotFound     = errors.New("token not found")
	ErrInvalidValue = errors.New("original value is required")
)

// tokenPattern matches any token produced by New.
var tokenPattern = regexp.MustCompile(`\[[A-Z][A-Z_]*_[0-9a-f]{12}\]`)

// Entry is one persisted mapping.
type Entry struct {
	Token     string    `json:"token"`
	Original  string    `json:"original"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the token map. GetOrCreate is atomic per key: concurrent callers
// asking for the same (entityType, original) pair receive the same token.
type Store interface {
	GetOrCreate(ctx context.Context, entityType, original string) (string, error)
	Lookup(ctx context.Context, entityType, original string) (*Entry, error)
	Flush(ctx context.Context) error
	Close() error
}

// Key builds the map key "{entity_type}:{original_value}".
func Key(entityType, original string) string {
	return entityType + ":" + original
}

// New mints a fresh token "[TYPE_suffix]" with a random hex suffix.
func New(entityType string) (string, error) {
	buf := make([]byte, SuffixBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: read random suffix: %w", err)
	}
	return "[" + strings.ToUpper(entityType) + "_" + hex.EncodeToString(buf) + "]", nil
}

// IsToken reports whether s is exactly one token.
func IsToken(s string) bool {
	loc := tokenPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// ContainsToken reports whether s contains at least one token.
func ContainsToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// Locate returns the [start, end) byte offsets of every token in s.
func Locate(s string) [][]int {
	return tokenPattern.FindAllStringIndex(s, -1)
}

func validate(entityType, original string) error {
	if entityType == "" {
		return ErrEmptyType
	}
	if original == "" {
		return ErrInvalidValue
	}
	return nil
}

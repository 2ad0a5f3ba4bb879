// Package storage reads input bundles and writes scrubbed output. Locations
// are plain file paths or s3://bucket/key URIs; Mux routes each location to
// the backend that serves it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound        = errors.New("object not found")
	ErrInvalidLocation = errors.New("invalid storage location")
	ErrNoBackend       = errors.New("no backend configured for location")
)

// Store reads and writes whole objects by location.
type Store interface {
	Read(ctx context.Context, location string) ([]byte, error)
	Write(ctx context.Context, location string, data []byte) error
}

// IsS3 reports whether location is an s3:// URI.
func IsS3(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// ParseS3 splits s3://bucket/key into its parts.
func ParseS3(location string) (bucket, key string, err error) {
	if !IsS3(location) {
		return "", "", fmt.Errorf("%w: %q is not an s3:// URI", ErrInvalidLocation, location)
	}
	rest := strings.TrimPrefix(location, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q must be s3://bucket/key", ErrInvalidLocation, location)
	}
	return bucket, key, nil
}

// Mux dispatches s3:// locations to S3 and everything else to Local.
type Mux struct {
	Local Store
	S3    Store
}

func (m *Mux) route(location string) (Store, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}
	if IsS3(location) {
		if m.S3 == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoBackend, location)
		}
		return m.S3, nil
	}
	if m.Local == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, location)
	}
	return m.Local, nil
}

func (m *Mux) Read(ctx context.Context, location string) ([]byte, error) {
	s, err := m.route(location)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, location)
}

func (m *Mux) Write(ctx context.Context, location string, data []byte) error {
	s, err := m.route(location)
	if err != nil {
		return err
	}
	return s.Write(ctx, location, data)
}

package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// ObjectMetadata describes a stored object.
type ObjectMetadata struct {
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

type storedObject struct {
	metadata ObjectMetadata
	content  []byte
}

// MemoryStore is a thread-safe, in-memory Store for tests and dry runs.
// ReadErrors queues errors returned by the next Read calls, in order, before
// the store falls back to its contents.
type MemoryStore struct {
	mu         sync.RWMutex
	objects    map[string]*storedObject
	readErrors []error
	reads      int
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

// FailNextReads makes the next len(errs) reads return errs in order.
func (s *MemoryStore) FailNextReads(errs ...error) {
	s.mu.Lock()
	s.readErrors = append(s.readErrors, errs...)
	s.mu.Unlock()
}

// Reads returns how many Read calls the store has served.
func (s *MemoryStore) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}

func (s *MemoryStore) Read(_ context.Context, location string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	if len(s.readErrors) > 0 {
		err := s.readErrors[0]
		s.readErrors = s.readErrors[1:]
		return nil, err
	}

	obj, ok := s.objects[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return append([]byte(nil), obj.content...), nil
}

func (s *MemoryStore) Write(_ context.Context, location string, data []byte) error {
	h := sha256.Sum256(data)
	obj := &storedObject{
		metadata: ObjectMetadata{
			Location:  location,
			Size:      int64(len(data)),
			Hash:      fmt.Sprintf("%x", h),
			CreatedAt: time.Now().UTC(),
		},
		content: append([]byte(nil), data...),
	}

	s.mu.Lock()
	s.objects[location] = obj
	s.mu.Unlock()
	return nil
}

// Metadata returns the metadata of a stored object.
func (s *MemoryStore) Metadata(location string) (*ObjectMetadata, error) {
	s.mu.RLock()
	obj, ok := s.objects[location]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	meta := obj.metadata // copy
	return &meta, nil
}

// Exists reports whether location holds an object.
func (s *MemoryStore) Exists(location string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[location]
	return ok
}

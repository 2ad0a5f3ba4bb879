package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/storage"
)

// FlushMode controls when FileStore writes new entries to disk.
type FlushMode string

const (
	// FlushImmediate persists after every new entry.
	FlushImmediate FlushMode = "immediate"
	// FlushBatch persists only on Flush and Close.
	FlushBatch FlushMode = "batch"
)

// FileOptions configures OpenFileStore.
type FileOptions struct {
	Flush FlushMode
	// ReadOnly skips the writer lock; GetOrCreate then fails for unknown keys.
	ReadOnly bool
	Logger   zerolog.Logger
	Now      func() time.Time
}

// FileStore keeps the whole map in memory and persists it as one JSON object
// keyed by Key. Only one process may open a path for writing at a time; the
// lock file "<path>.lock" enforces that.
type FileStore struct {
	path     string
	lockPath string
	opts     FileOptions

	mu      sync.Mutex
	entries map[string]Entry
	dirty   bool
	closed  bool
	stats   counters
}

// OpenFileStore loads path (a missing file is an empty map) and takes the
// writer lock unless opts.ReadOnly is set.
func OpenFileStore(path string, opts FileOptions) (*FileStore, error) {
	if opts.Flush == "" {
		opts.Flush = FlushImmediate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &FileStore{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts,
		entries:  make(map[string]Entry),
	}

	if !opts.ReadOnly {
		if err := s.acquireLock(); err != nil {
			return nil, err
		}
	}

	if err := s.load(); err != nil {
		s.releaseLock()
		return nil, err
	}

	s.opts.Logger.Info().
		Str("path", path).
		Int("entries", len(s.entries)).
		Str("flush", string(opts.Flush)).
		Msg("token store loaded")
	return s, nil
}

func (s *FileStore) acquireLock() error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s exists (remove it if no pipeline is running)", ErrLocked, s.lockPath)
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return f.Close()
}

func (s *FileStore) releaseLock() {
	if s.opts.ReadOnly {
		return
	}
	_ = os.Remove(s.lockPath)
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read token store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrCorrupt, s.path, err.Error())
	}
	for key, e := range entries {
		if e.Token == "" || Key(e.Type, e.Original) != key {
			return fmt.Errorf("%w: %s: entry %d bytes long does not match its key", ErrCorrupt, s.path, len(key))
		}
	}
	if entries != nil {
		s.entries = entries
	}
	return nil
}

// GetOrCreate returns the token for (entityType, original), minting and
// persisting a new one on first encounter.
func (s *FileStore) GetOrCreate(_ context.Context, entityType, original string) (string, error) {
	if err := validate(entityType, original); err != nil {
		return "", err
	}
	key := Key(entityType, original)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if e, ok := s.entries[key]; ok {
		s.stats.reused.Add(1)
		return e.Token, nil
	}
	if s.opts.ReadOnly {
		return "", fmt.Errorf("%w: store opened read-only", ErrNotFound)
	}

	tok, err := New(entityType)
	if err != nil {
		return "", err
	}
	s.entries[key] = Entry{
		Token:     tok,
		Original:  original,
		Type:      entityType,
		CreatedAt: s.opts.Now().UTC(),
	}
	s.dirty = true

	if s.opts.Flush == FlushImmediate {
		if err := s.persistLocked(); err != nil {
			// Never hand out a token that did not reach disk.
			delete(s.entries, key)
			return "", err
		}
	}
	s.stats.created.Add(1)
	return tok, nil
}

func (s *FileStore) Lookup(_ context.Context, entityType, original string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[Key(entityType, original)]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Len returns the number of entries.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *FileStore) Stats() Stats { return s.stats.snapshot() }

// Flush writes pending entries to disk.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	if !s.dirty {
		return nil
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token store: %w", err)
	}
	if err := storage.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persist token store: %w", err)
	}
	s.dirty = false
	return nil
}

// Close flushes pending entries and releases the writer lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.persistLocked()
	s.closed = true
	s.releaseLock()
	return err
}

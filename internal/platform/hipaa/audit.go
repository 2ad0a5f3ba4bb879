package hipaa

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditStatus is the outcome recorded for a pipeline run.
type AuditStatus string

const (
	StatusSuccess AuditStatus = "SUCCESS"
	StatusFailure AuditStatus = "FAILURE"
)

// AuditEntry is one append-only record of a de-identification run. The first
// three fields are always present; the rest are omitted when empty.
type AuditEntry struct {
	Timestamp        float64         `json:"timestamp"`
	Status           AuditStatus     `json:"status"`
	RecordsProcessed int             `json:"records_processed"`
	RunID            string          `json:"run_id,omitempty"`
	Stage            string          `json:"stage,omitempty"`
	Error            string          `json:"error,omitempty"`
	Compliance       json.RawMessage `json:"compliance,omitempty"`
}

// Time converts the float timestamp back to a time.Time.
func (e *AuditEntry) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// NewAuditEntry stamps an entry with t as fractional Unix seconds.
func NewAuditEntry(t time.Time, status AuditStatus, records int) *AuditEntry {
	return &AuditEntry{
		Timestamp:        float64(t.UnixNano()) / 1e9,
		Status:           status,
		RecordsProcessed: records,
	}
}

// AuditSink persists audit entries. Implementations only ever append.
type AuditSink interface {
	Append(ctx context.Context, e *AuditEntry) error
}

// FileAuditLog appends one JSON object per line to a local file.
type FileAuditLog struct {
	path string
	mu   sync.Mutex
}

func NewFileAuditLog(path string) *FileAuditLog {
	return &FileAuditLog{path: path}
}

func (l *FileAuditLog) Path() string { return l.path }

func (l *FileAuditLog) Append(_ context.Context, e *AuditEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("hipaa audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("hipaa audit: open %s: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("hipaa audit: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("hipaa audit: sync: %w", err)
	}
	return f.Close()
}

// ReadAuditLog parses every line of a JSON-lines audit file.
func ReadAuditLog(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("hipaa audit: line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Execer is the subset of pgxpool.Pool used by PostgresAuditLog.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresAuditLog inserts entries into the deid_audit_log table created by
// the migrations in internal/platform/db.
type PostgresAuditLog struct {
	db Execer
}

func NewPostgresAuditLog(db Execer) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

const insertAuditSQL = `
		INSERT INTO deid_audit_log (
			recorded_at, status, records_processed, run_id, stage, error, compliance
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, '')::jsonb
		)`

func (l *PostgresAuditLog) Append(ctx context.Context, e *AuditEntry) error {
	_, err := l.db.Exec(ctx, insertAuditSQL,
		e.Time(), string(e.Status), e.RecordsProcessed,
		e.RunID, e.Stage, e.Error, string(e.Compliance),
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}

// MultiAuditSink appends to every sink and joins their errors.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Append(ctx context.Context, e *AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

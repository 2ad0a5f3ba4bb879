package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool used by PostgresStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the token map in the token_map table. The primary key
// on the map key makes GetOrCreate safe across concurrent processes: a
// writer that loses the insert race reads back the winner's token.
type PostgresStore struct {
	db    Querier
	now   func() time.Time
	stats counters
}

// NewPostgresStore wraps db. The token_map table is created by the
// migrations in internal/platform/db.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const (
	selectTokenSQL = `SELECT token FROM token_map WHERE key = $1`
	insertTokenSQL = `INSERT INTO token_map (key, token, original, entity_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
		RETURNING token`
	lookupTokenSQL = `SELECT token, original, entity_type, created_at FROM token_map WHERE key = $1`
)

func (s *PostgresStore) GetOrCreate(ctx context.Context, entityType, original string) (string, error) {
	if err := validate(entityType, original); err != nil {
		return "", err
	}
	key := Key(entityType, original)

	var tok string
	err := s.db.QueryRow(ctx, selectTokenSQL, key).Scan(&tok)
	if err == nil {
		s.stats.reused.Add(1)
		return tok, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("token_map select: %w", err)
	}

	minted, err := New(entityType)
	if err != nil {
		return "", err
	}
	err = s.db.QueryRow(ctx, insertTokenSQL, key, minted, original, entityType, s.now().UTC()).Scan(&tok)
	if err == nil {
		s.stats.created.Add(1)
		return tok, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("token_map insert: %w", err)
	}

	// Another writer inserted the key between our select and insert.
	if err := s.db.QueryRow(ctx, selectTokenSQL, key).Scan(&tok); err != nil {
		return "", fmt.Errorf("token_map reselect: %w", err)
	}
	s.stats.reused.Add(1)
	return tok, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, entityType, original string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRow(ctx, lookupTokenSQL, Key(entityType, original)).
		Scan(&e.Token, &e.Original, &e.Type, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("token_map lookup: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Stats() Stats { return s.stats.snapshot() }

// Flush is a no-op: every insert is committed as it happens.
func (s *PostgresStore) Flush(context.Context) error { return nil }

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

func TestPostgresStore_ExistingToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT token FROM token_map").
		WithArgs("PERSON:Jane").
		WillReturnRows(pgxmock.NewRows([]string{"token"}).AddRow("[PERSON_0123456789ab]"))

	s := NewPostgresStore(mock)
	tok, err := s.GetOrCreate(context.Background(), "PERSON", "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "[PERSON_0123456789ab]" {
		t.Errorf("expected stored token, got %q", tok)
	}
	if st := s.Stats(); st.Reused != 1 || st.Created != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_InsertsNewToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT token FROM token_map").
		WithArgs("US_SSN:123-45-6789").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO token_map").
		WithArgs("US_SSN:123-45-6789", pgxmock.AnyArg(), "123-45-6789", "US_SSN", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"token"}).AddRow("[US_SSN_aaaaaaaaaaaa]"))

	s := NewPostgresStore(mock)
	tok, err := s.GetOrCreate(context.Background(), "US_SSN", "123-45-6789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "[US_SSN_aaaaaaaaaaaa]" {
		t.Errorf("unexpected token %q", tok)
	}
	if st := s.Stats(); st.Created != 1 {
		t.Errorf("expected one created token, got %+v", st)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_LostInsertRaceReadsWinner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT token FROM token_map").
		WithArgs("PERSON:Doe").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO token_map").
		WithArgs("PERSON:Doe", pgxmock.AnyArg(), "Doe", "PERSON", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT token FROM token_map").
		WithArgs("PERSON:Doe").
		WillReturnRows(pgxmock.NewRows([]string{"token"}).AddRow("[PERSON_bbbbbbbbbbbb]"))

	s := NewPostgresStore(mock)
	tok, err := s.GetOrCreate(context.Background(), "PERSON", "Doe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "[PERSON_bbbbbbbbbbbb]" {
		t.Errorf("expected the winning writer's token, got %q", tok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Lookup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("SELECT token, original, entity_type, created_at FROM token_map").
		WithArgs("PERSON:Jane").
		WillReturnRows(pgxmock.NewRows([]string{"token", "original", "entity_type", "created_at"}).
			AddRow("[PERSON_cccccccccccc]", "Jane", "PERSON", created))
	mock.ExpectQuery("SELECT token, original, entity_type, created_at FROM token_map").
		WithArgs("PERSON:Nobody").
		WillReturnError(pgx.ErrNoRows)

	s := NewPostgresStore(mock)
	e, err := s.Lookup(context.Background(), "PERSON", "Jane")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.Token != "[PERSON_cccccccccccc]" || !e.CreatedAt.Equal(created) {
		t.Errorf("unexpected entry %+v", e)
	}
	if _, err := s.Lookup(context.Background(), "PERSON", "Nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_SelectError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT token FROM token_map").
		WithArgs("PERSON:Jane").
		WillReturnError(errors.New("connection refused"))

	if _, err := NewPostgresStore(mock).GetOrCreate(context.Background(), "PERSON", "Jane"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStore_Deterministic(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "EMAIL_ADDRESS", "jane@example.org")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, _ := s.GetOrCreate(ctx, "EMAIL_ADDRESS", "jane@example.org")
	if first != second {
		t.Fatalf("tokens differ: %q vs %q", first, second)
	}
	if !mr.Exists(DefaultRedisPrefix + "EMAIL_ADDRESS:jane@example.org") {
		t.Error("expected entry under prefixed key")
	}

	// A second store sharing the server sees the same mapping.
	other := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	third, _ := other.GetOrCreate(ctx, "EMAIL_ADDRESS", "jane@example.org")
	if third != first {
		t.Errorf("second writer minted a different token: %q vs %q", third, first)
	}

	e, err := s.Lookup(ctx, "EMAIL_ADDRESS", "jane@example.org")
	if err != nil || e.Original != "jane@example.org" {
		t.Errorf("lookup: %+v, %v", e, err)
	}
	if _, err := s.Lookup(ctx, "EMAIL_ADDRESS", "nobody@example.org"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_ConcurrentWriters(t *testing.T) {
	s, _ := newRedisStore(t)

	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.GetOrCreate(context.Background(), "PERSON", "Jane")
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		if r == "" || r != results[0] {
			t.Fatalf("writers disagree: %q vs %q", r, results[0])
		}
	}
	if st := s.Stats(); st.Created != 1 {
		t.Errorf("expected exactly one created token, got %+v", st)
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	s, mr := newRedisStore(t)
	_ = mr.Set(DefaultRedisPrefix+"PERSON:Jane", "garbage")

	if _, err := s.GetOrCreate(context.Background(), "PERSON", "Jane"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces token keys in a shared Redis.
const DefaultRedisPrefix = "deid:token:"

// RedisStore keeps one Redis string per map key holding the JSON Entry.
// SETNX makes the first writer win; losers read back the stored entry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	stats  counters
}

// NewRedisStore wraps client. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) redisKey(entityType, original string) string {
	return s.prefix + Key(entityType, original)
}

func (s *RedisStore) get(ctx context.Context, rkey string) (*Entry, error) {
	raw, err := s.client.Get(ctx, rkey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Token == "" {
		return nil, fmt.Errorf("%w: redis key has unreadable entry", ErrCorrupt)
	}
	return &e, nil
}

func (s *RedisStore) GetOrCreate(ctx context.Context, entityType, original string) (string, error) {
	if err := validate(entityType, original); err != nil {
		return "", err
	}
	rkey := s.redisKey(entityType, original)

	e, err := s.get(ctx, rkey)
	if err == nil {
		s.stats.reused.Add(1)
		return e.Token, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	tok, err := New(entityType)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(Entry{
		Token:     tok,
		Original:  original,
		Type:      entityType,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, rkey, payload, 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		s.stats.created.Add(1)
		return tok, nil
	}

	e, err = s.get(ctx, rkey)
	if err != nil {
		return "", err
	}
	s.stats.reused.Add(1)
	return e.Token, nil
}

func (s *RedisStore) Lookup(ctx context.Context, entityType, original string) (*Entry, error) {
	return s.get(ctx, s.redisKey(entityType, original))
}

func (s *RedisStore) Stats() Stats { return s.stats.snapshot() }

// Flush is a no-op; durability is configured on the Redis server.
func (s *RedisStore) Flush(context.Context) error { return nil }

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error { return nil }

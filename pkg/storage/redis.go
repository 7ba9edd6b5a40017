package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots as JSON values under a key prefix. Session ids
// are indexed in a companion set so ListSessions avoids SCAN.
type RedisStore struct {
	client *redis.Client
	prefix string
	// TTL expires sessions; 0 keeps them forever.
	ttl time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Addr is host:port; empty means localhost:6379.
	Addr     string
	Password string
	DB       int
	// Prefix defaults to "spindle:session:".
	Prefix string
	TTL    time.Duration
}

// NewRedisStore connects a store. The connection is verified lazily on
// first use, matching go-redis behavior.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "spindle:session:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) key(sessionID string) string { return s.prefix + sessionID }

func (s *RedisStore) indexKey() string { return s.prefix + "_index" }

func (s *RedisStore) Save(ctx context.Context, sessionID string, snap AgentSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(sessionID), b, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (AgentSnapshot, error) {
	b, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AgentSnapshot{}, ErrNotFound
	}
	if err != nil {
		return AgentSnapshot{}, fmt.Errorf("storage: redis load: %w", err)
	}
	var snap AgentSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return AgentSnapshot{}, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: redis list: %w", err)
	}
	return ids, nil
}

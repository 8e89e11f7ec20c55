package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAbortFlagStore is the production AbortFlagStore, backed by a single
// Redis key per session. It shares the same fast-store role as
// internal/fsm and internal/blackboard.
type RedisAbortFlagStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisAbortFlagStore constructs a RedisAbortFlagStore. ttl bounds how
// long an abort flag survives, matching the session default TTL so a
// garbage-collected session doesn't leave a stale flag behind.
func NewRedisAbortFlagStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisAbortFlagStore {
	return &RedisAbortFlagStore{client: client, prefix: keyPrefix, ttl: ttl}
}

func (s *RedisAbortFlagStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID + ":aborted"
}

// SetAborted implements AbortFlagStore.
func (s *RedisAbortFlagStore) SetAborted(ctx context.Context, sessionID, reason string) error {
	if err := s.client.Set(ctx, s.key(sessionID), reason, s.ttl).Err(); err != nil {
		return fmt.Errorf("reliability: set abort flag %s: %w", sessionID, err)
	}
	return nil
}

// IsAborted implements AbortFlagStore.
func (s *RedisAbortFlagStore) IsAborted(ctx context.Context, sessionID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("reliability: check abort flag %s: %w", sessionID, err)
	}
	return exists > 0, nil
}

var _ AbortFlagStore = (*RedisAbortFlagStore)(nil)

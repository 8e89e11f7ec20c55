package blackboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlackboard is the production Blackboard implementation, backed by
// three Redis hashes per session (kv, artifacts, signals) sharing one TTL.
// This mirrors the fast-store role Redis plays elsewhere in the runtime
// (FSM state, idempotency flags): small, hot, per-session state that does
// not need the durability of the Event Repository.
type RedisBlackboard struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// NewRedisBlackboard constructs a RedisBlackboard. defaultTTL is the
// sessionDefault used by the TTL refresh policy (spec section 4.2): every
// write extends the session's TTL to max(currentTTL, defaultTTL).
func NewRedisBlackboard(client *redis.Client, keyPrefix string, defaultTTL time.Duration) *RedisBlackboard {
	return &RedisBlackboard{client: client, keyPrefix: keyPrefix, defaultTTL: defaultTTL}
}

func (b *RedisBlackboard) kvKey(sessionID string) string        { return b.keyPrefix + ":" + sessionID + ":kv" }
func (b *RedisBlackboard) artifactsKey(sessionID string) string { return b.keyPrefix + ":" + sessionID + ":artifacts" }
func (b *RedisBlackboard) signalsKey(sessionID string) string   { return b.keyPrefix + ":" + sessionID + ":signals" }

// Get implements Blackboard.
func (b *RedisBlackboard) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	val, err := b.client.HGet(ctx, b.kvKey(sessionID), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("blackboard: get %s/%s: %w", sessionID, key, err)
	}
	return val, true, nil
}

// Set implements Blackboard.
func (b *RedisBlackboard) Set(ctx context.Context, sessionID, key, value string) error {
	if err := b.client.HSet(ctx, b.kvKey(sessionID), key, value).Err(); err != nil {
		return fmt.Errorf("blackboard: set %s/%s: %w", sessionID, key, err)
	}
	return b.refreshTTL(ctx, sessionID)
}

// WriteArtifact implements Blackboard.
func (b *RedisBlackboard) WriteArtifact(ctx context.Context, sessionID, artifactID string, data []byte) error {
	if err := b.client.HSet(ctx, b.artifactsKey(sessionID), artifactID, data).Err(); err != nil {
		return fmt.Errorf("blackboard: write artifact %s/%s: %w", sessionID, artifactID, err)
	}
	return b.refreshTTL(ctx, sessionID)
}

// ListArtifacts implements Blackboard.
func (b *RedisBlackboard) ListArtifacts(ctx context.Context, sessionID string) ([]string, error) {
	keys, err := b.client.HKeys(ctx, b.artifactsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("blackboard: list artifacts %s: %w", sessionID, err)
	}
	return keys, nil
}

// ReadArtifact implements Blackboard.
func (b *RedisBlackboard) ReadArtifact(ctx context.Context, sessionID, artifactID string) ([]byte, error) {
	data, err := b.client.HGet(ctx, b.artifactsKey(sessionID), artifactID).Bytes()
	if err == redis.Nil {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blackboard: read artifact %s/%s: %w", sessionID, artifactID, err)
	}
	return data, nil
}

// SetSignal implements Blackboard.
func (b *RedisBlackboard) SetSignal(ctx context.Context, sessionID, name string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	if err := b.client.HSet(ctx, b.signalsKey(sessionID), name, v).Err(); err != nil {
		return fmt.Errorf("blackboard: set signal %s/%s: %w", sessionID, name, err)
	}
	return b.refreshTTL(ctx, sessionID)
}

// GetSignal implements Blackboard.
func (b *RedisBlackboard) GetSignal(ctx context.Context, sessionID, name string) (bool, error) {
	val, err := b.client.HGet(ctx, b.signalsKey(sessionID), name).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blackboard: get signal %s/%s: %w", sessionID, name, err)
	}
	return val == "1", nil
}

// refreshTTL extends the TTL on all three of the session's hashes to
// max(currentTTL, defaultTTL), per the TTL refresh policy (spec section
// 4.2). A key with no TTL (PTTL == -1, e.g. freshly created) is treated as
// needing the default applied.
func (b *RedisBlackboard) refreshTTL(ctx context.Context, sessionID string) error {
	keys := []string{b.kvKey(sessionID), b.artifactsKey(sessionID), b.signalsKey(sessionID)}
	for _, key := range keys {
		cur, err := b.client.TTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("blackboard: ttl %s: %w", key, err)
		}
		want := b.defaultTTL
		if cur > want {
			want = cur
		}
		if err := b.client.Expire(ctx, key, want).Err(); err != nil {
			return fmt.Errorf("blackboard: expire %s: %w", key, err)
		}
	}
	return nil
}

var _ Blackboard = (*RedisBlackboard)(nil)

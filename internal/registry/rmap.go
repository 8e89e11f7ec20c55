package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// rmapCache is the production ConvergenceCache, backed by a Pulse
// replicated map (spec section 4.4: "registration... upserted... so peer
// instances converge"). This adapts the teacher's registry replicated
// store (registry/store/replicated) from toolsets to node registrations.
type rmapCache struct {
	m *rmap.Map
}

// NewRmapCache joins (or creates) a Pulse replicated map named
// "{keyPrefix}:registry" for cross-instance node registration convergence.
func NewRmapCache(ctx context.Context, redisClient *redis.Client, keyPrefix string) (ConvergenceCache, error) {
	m, err := rmap.Join(ctx, keyPrefix+":registry", redisClient)
	if err != nil {
		return nil, fmt.Errorf("registry: join replicated map: %w", err)
	}
	return &rmapCache{m: m}, nil
}

func (c *rmapCache) Set(ctx context.Context, nodeID string, reg Registration) error {
	b, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("registry: marshal registration %s: %w", nodeID, err)
	}
	if _, err := c.m.Set(ctx, cacheKey(nodeID), string(b)); err != nil {
		return fmt.Errorf("registry: set %s: %w", nodeID, err)
	}
	return nil
}

func (c *rmapCache) Get(nodeID string) (Registration, bool) {
	val, ok := c.m.Get(cacheKey(nodeID))
	if !ok {
		return Registration{}, false
	}
	var reg Registration
	if err := json.Unmarshal([]byte(val), &reg); err != nil {
		return Registration{}, false
	}
	return reg, true
}

func (c *rmapCache) Keys() []string {
	keys := c.m.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, cacheKeyPrefix) {
			out = append(out, strings.TrimPrefix(k, cacheKeyPrefix))
		}
	}
	return out
}

const cacheKeyPrefix = "node:"

func cacheKey(nodeID string) string { return cacheKeyPrefix + nodeID }

var _ ConvergenceCache = (*rmapCache)(nil)

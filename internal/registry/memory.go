package registry

import "context"

// memoryCache is an in-process ConvergenceCache used for unit tests and
// single-instance deployments that don't need cross-process convergence.
type memoryCache struct {
	entries map[string]Registration
}

// NewMemoryCache constructs an empty in-memory ConvergenceCache.
func NewMemoryCache() ConvergenceCache {
	return &memoryCache{entries: make(map[string]Registration)}
}

func (c *memoryCache) Set(ctx context.Context, key string, reg Registration) error {
	c.entries[key] = reg
	return nil
}

func (c *memoryCache) Get(key string) (Registration, bool) {
	reg, ok := c.entries[key]
	return reg, ok
}

func (c *memoryCache) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

var _ ConvergenceCache = (*memoryCache)(nil)

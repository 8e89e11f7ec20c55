package bus

import (
	"context"
	"sync"

	"github.com/goa-ai-labs/agentflow/internal/events"
)

// MemoryBus is an in-process Event Bus used for unit tests and single-process
// deployments that don't need cross-instance fan-out. It preserves the same
// per-publisher ordering and "no replay after disconnect" contract as PulseBus.
type MemoryBus struct {
	mu      sync.RWMutex
	tenants map[string]map[*memorySub]chan events.Event
	closed  bool
}

type memorySub struct{}

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{tenants: make(map[string]map[*memorySub]chan events.Event)}
}

// Publish implements Bus: it delivers event to every current subscriber of
// tenantID, without blocking on slow subscribers beyond a small buffer.
func (b *MemoryBus) Publish(ctx context.Context, tenantID string, event events.Event) error {
	b.mu.RLock()
	subs := b.tenants[tenantID]
	chans := make([]chan events.Event, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, tenantID string) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	key := &memorySub{}
	ch := make(chan events.Event, 64)
	errs := make(chan error, 1)

	b.mu.Lock()
	if b.tenants[tenantID] == nil {
		b.tenants[tenantID] = make(map[*memorySub]chan events.Event)
	}
	b.tenants[tenantID][key] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.tenants[tenantID]; ok {
			delete(subs, key)
		}
		b.mu.Unlock()
		close(errs)
	}
	return ch, errs, cancel, nil
}

// Close is a no-op: the in-memory bus owns no external resources.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ Bus = (*MemoryBus)(nil)

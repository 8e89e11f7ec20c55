// Package bus implements the tenant-scoped Event Bus (spec section 4.1).
//
// publish(tenantId, event) returns once the event is accepted by the
// underlying transport; subscribe(tenantId) yields events published after
// subscription until the subscriber closes. Channels are keyed
// "{prefix}:{tenantId}:events". The bus provides at-least-once delivery
// within a live subscription; it does not replay missed events after
// disconnect — replay is served from the Event Repository.
package bus

import (
	"context"

	"github.com/goa-ai-labs/agentflow/internal/events"
)

// Bus is the tenant-scoped publish/subscribe contract.
type Bus interface {
	// Publish delivers event to every current subscriber of tenantID's
	// channel, in publication order per publisher. Returns only after the
	// underlying transport has accepted the event.
	Publish(ctx context.Context, tenantID string, event events.Event) error

	// Subscribe opens a live subscription on tenantID's channel. The
	// returned channel yields events published after subscription; the
	// cancel function releases the subscription deterministically and must
	// be called exactly once by the caller (typically via defer).
	Subscribe(ctx context.Context, tenantID string) (<-chan events.Event, <-chan error, context.CancelFunc, error)

	// Close releases resources owned by the bus (e.g. the underlying Redis
	// connection), if the bus owns them.
	Close(ctx context.Context) error
}

// ChannelName derives the channel key for a tenant: "{prefix}:{tenantId}:events".
func ChannelName(prefix, tenantID string) string {
	return prefix + ":" + tenantID + ":events"
}

package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/events"
)

// AbortFlagStore tracks the fast-store abort flag Dispatcher consults on
// every incoming transition (spec section 4.7, step 1 of section 4.6).
type AbortFlagStore interface {
	SetAborted(ctx context.Context, sessionID string, reason string) error
	IsAborted(ctx context.Context, sessionID string) (bool, error)
}

// HardStopper is the Hard-Stopper (spec section 4.7): it flags a session
// as aborted in the fast store, mirrors the flag into the Blackboard as
// signal:abort so builtin nodes polling blackboard.getSignal("abort") at
// their own cancellation points observe it, and publishes an ABORT event.
type HardStopper struct {
	flags      AbortFlagStore
	blackboard blackboard.Blackboard
	bus        bus.Bus
}

// NewHardStopper constructs a HardStopper.
func NewHardStopper(flags AbortFlagStore, bb blackboard.Blackboard, eventBus bus.Bus) *HardStopper {
	return &HardStopper{flags: flags, blackboard: bb, bus: eventBus}
}

// Abort implements `abort(sessionId, reason, trace)` (spec section 4.7).
func (h *HardStopper) Abort(ctx context.Context, tenantID, sessionID, reason, traceID string) error {
	if err := h.flags.SetAborted(ctx, sessionID, reason); err != nil {
		return fmt.Errorf("reliability: set aborted %s: %w", sessionID, err)
	}
	if err := h.blackboard.SetSignal(ctx, sessionID, "abort", true); err != nil {
		return fmt.Errorf("reliability: set abort signal %s: %w", sessionID, err)
	}
	evt := events.Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Type:      events.Abort,
		TraceID:   traceID,
		Priority:  events.PriorityHigh,
		CreatedAt: time.Now(),
	}
	if err := h.bus.Publish(ctx, tenantID, evt); err != nil {
		return fmt.Errorf("reliability: publish abort %s: %w", sessionID, err)
	}
	return nil
}

// IsAborted implements `isAborted(sessionId)`, the check Dispatcher makes
// at step 1 of every incoming transition.
func (h *HardStopper) IsAborted(ctx context.Context, sessionID string) (bool, error) {
	aborted, err := h.flags.IsAborted(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("reliability: is aborted %s: %w", sessionID, err)
	}
	return aborted, nil
}

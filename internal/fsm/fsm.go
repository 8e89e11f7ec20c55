// Package fsm implements the per-session finite-state-machine (spec section
// 4.3): atomic state advancement driven by Flow Definition transitions.
package fsm

import (
	"context"
	"fmt"

	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
)

// ConflictError is returned by AdvanceAtomic when another writer changed the
// session's state between the caller's view of it and the CAS attempt. The
// caller retries by re-reading CurrentState.
type ConflictError struct {
	// CurrentState is the state actually stored at the moment of conflict.
	CurrentState string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fsm: conflict, current state is %q", e.CurrentState)
}

// NoTransitionError is returned when def has no transition out of the
// session's current state for the given event.
type NoTransitionError struct {
	State string
	Event events.Type
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("fsm: no transition from %q on event %q", e.State, e.Event)
}

// FSM is the atomic per-session state machine contract.
type FSM interface {
	// Init writes sessionID's initial state (def.InitialState) in a single
	// non-atomic write; callers must only call Init once, at session
	// creation, before any concurrent AdvanceAtomic calls are possible.
	Init(ctx context.Context, sessionID string, def *flow.Definition) error

	// CurrentState returns the session's current FSM state.
	CurrentState(ctx context.Context, sessionID string) (string, error)

	// AdvanceAtomic advances sessionID's state given a triggering event,
	// atomically: the read of the current state and the write of the new
	// state happen as one step against the fast store (spec section 4.3).
	// Returns *ConflictError if a racing writer changed the state first, or
	// *NoTransitionError if def defines no matching transition. Terminal
	// states (end, error, aborted) reject every event except RESET, which
	// must be modeled in def as an explicit transition out of the terminal
	// state.
	AdvanceAtomic(ctx context.Context, sessionID string, def *flow.Definition, eventType events.Type) (string, error)
}

// resolveTransition finds the (first, per declaration order) transition out
// of currentState matching eventType. Terminal states reject every event
// except one explicitly modeled by a RESET transition in def. EVENT_ERROR
// and ABORT always resolve to the fixed "error"/"aborted" terminal states
// even when def declares no explicit edge for them, so a flow author need
// not model a failure edge out of every state by hand.
func resolveTransition(def *flow.Definition, currentState string, eventType events.Type) (*flow.Transition, error) {
	if flow.IsTerminal(currentState) && eventType != events.Reset {
		return nil, &NoTransitionError{State: currentState, Event: eventType}
	}
	for _, t := range def.TransitionsFrom(currentState) {
		if t.Event == string(eventType) {
			tCopy := t
			return &tCopy, nil
		}
	}
	switch eventType {
	case events.EventError:
		return &flow.Transition{From: currentState, Event: string(eventType), To: "error"}, nil
	case events.Abort:
		return &flow.Transition{From: currentState, Event: string(eventType), To: "aborted"}, nil
	}
	return nil, &NoTransitionError{State: currentState, Event: eventType}
}

package fsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
)

// MemoryFSM is an in-process FSM used for unit tests. It enforces the same
// atomicity contract as RedisFSM via a single mutex rather than a Lua
// script.
type MemoryFSM struct {
	mu     sync.Mutex
	states map[string]string
}

// NewMemoryFSM constructs an empty in-memory FSM.
func NewMemoryFSM() *MemoryFSM {
	return &MemoryFSM{states: make(map[string]string)}
}

// Init implements FSM.
func (f *MemoryFSM) Init(ctx context.Context, sessionID string, def *flow.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[sessionID] = def.InitialState
	return nil
}

// CurrentState implements FSM.
func (f *MemoryFSM) CurrentState(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[sessionID]
	if !ok {
		return "", fmt.Errorf("fsm: session %s has no state", sessionID)
	}
	return state, nil
}

// AdvanceAtomic implements FSM.
func (f *MemoryFSM) AdvanceAtomic(ctx context.Context, sessionID string, def *flow.Definition, eventType events.Type) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok := f.states[sessionID]
	if !ok {
		return "", fmt.Errorf("fsm: session %s has no state", sessionID)
	}
	t, err := resolveTransition(def, current, eventType)
	if err != nil {
		return "", err
	}
	f.states[sessionID] = t.To
	return t.To, nil
}

var _ FSM = (*MemoryFSM)(nil)

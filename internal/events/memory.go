package events

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process append-only Event log: the shared shape of
// the memEventRepo helper internal/dispatcher's and
// internal/agentcontroller's own tests hand-roll, promoted here so
// internal/httpapi's event-replay endpoint (spec section 6, "GET
// /api/workflow/{session}/events") has a real implementation to call
// against in tests; cmd/server uses internal/store/postgres's durable
// EventRepository instead.
type MemoryStore struct {
	mu   sync.Mutex
	all  []Event
	last map[string]Event
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]Event)}
}

// Append implements dispatcher.EventRepository / session.EventRepository.
func (s *MemoryStore) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, e)
	s.last[e.SessionID+"/"+e.FromState] = e
	return nil
}

// LastEventForStep implements reliability.EventReader (the Fan-In Checker's
// read surface).
func (s *MemoryStore) LastEventForStep(ctx context.Context, sessionID, step string) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.last[sessionID+"/"+step]
	return evt, ok, nil
}

// ListForSession returns every event appended for sessionID, oldest first,
// for audit replay (spec section 6).
func (s *MemoryStore) ListForSession(ctx context.Context, sessionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range s.all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out, nil
}

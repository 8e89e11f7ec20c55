package reliability

import (
	"context"
	"fmt"
	"sync"

	"github.com/goa-ai-labs/agentflow/internal/events"
)

// MemoryIdempotencyStore is an in-process IdempotencyStore for unit tests.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryIdempotencyStore constructs an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]Record)}
}

func idempotencyKey(sessionID, step string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", sessionID, step, attempt)
}

func (s *MemoryIdempotencyStore) TryStart(ctx context.Context, sessionID, step string, attempt int) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idempotencyKey(sessionID, step, attempt)
	if existing, ok := s.records[key]; ok {
		return existing, false, nil
	}
	rec := Record{SessionID: sessionID, Step: step, Attempt: attempt, Status: StatusStarted}
	s.records[key] = rec
	return rec, true, nil
}

func (s *MemoryIdempotencyStore) Finish(ctx context.Context, sessionID, step string, attempt int, status Status, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idempotencyKey(sessionID, step, attempt)
	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("reliability: finish %s: no started record", key)
	}
	rec.Status = status
	rec.Digest = digest
	s.records[key] = rec
	return nil
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

// MemoryAbortFlagStore is an in-process AbortFlagStore for unit tests.
type MemoryAbortFlagStore struct {
	mu      sync.Mutex
	aborted map[string]string
}

// NewMemoryAbortFlagStore constructs an empty in-memory store.
func NewMemoryAbortFlagStore() *MemoryAbortFlagStore {
	return &MemoryAbortFlagStore{aborted: make(map[string]string)}
}

func (s *MemoryAbortFlagStore) SetAborted(ctx context.Context, sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted[sessionID] = reason
	return nil
}

func (s *MemoryAbortFlagStore) IsAborted(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.aborted[sessionID]
	return ok, nil
}

var _ AbortFlagStore = (*MemoryAbortFlagStore)(nil)

// MemoryEventReader is an in-process EventReader for unit tests. Events
// must be appended in the order the Fan-In Checker should consider "last".
type MemoryEventReader struct {
	mu    sync.Mutex
	byKey map[string]events.Event
}

// NewMemoryEventReader constructs an empty in-memory reader.
func NewMemoryEventReader() *MemoryEventReader {
	return &MemoryEventReader{byKey: make(map[string]events.Event)}
}

// Record appends an event for (sessionID, step), overwriting any prior
// "last event" for that step.
func (r *MemoryEventReader) Record(sessionID, step string, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[sessionID+"/"+step] = evt
}

func (r *MemoryEventReader) LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt, ok := r.byKey[sessionID+"/"+step]
	return evt, ok, nil
}

var _ EventReader = (*MemoryEventReader)(nil)

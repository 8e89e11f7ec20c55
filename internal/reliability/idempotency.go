// Package reliability implements the four mechanisms the Dispatcher
// consults on every transition (spec section 4.7): the Idempotency Guard,
// the Fan-In Checker, the Hard-Stopper, and the Retry Policy.
package reliability

import (
	"context"
	"fmt"
)

// Status is the lifecycle of one idempotency record (spec section 3,
// "Idempotency Record").
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Decision is what Before returns: whether the Dispatcher should execute
// the step or skip it because a prior attempt already succeeded.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionSkip    Decision = "skip"
)

// Record is one idempotency row, keyed by (SessionID, Step, Attempt).
type Record struct {
	SessionID string
	Step      string
	Attempt   int
	Status    Status
	Digest    string
}

// IdempotencyStore persists idempotency records. Implementations must make
// Before's read-then-insert atomic per (sessionID, step, attempt): two
// concurrent Before calls for the same key must not both return
// DecisionProceed.
type IdempotencyStore interface {
	// TryStart inserts a "started" record for key if none exists, and
	// returns the existing record (started, success, or error) and false
	// if one already does, atomically.
	TryStart(ctx context.Context, sessionID, step string, attempt int) (existing Record, inserted bool, err error)
	// Finish transitions a "started" record to success or error, recording
	// a result digest.
	Finish(ctx context.Context, sessionID, step string, attempt int, status Status, digest string) error
}

// Guard is the Idempotency Guard (spec section 4.7): duplicate `proceed`
// is impossible for the same (session, step, attempt) tuple once
// after(success) has returned.
type Guard struct {
	store IdempotencyStore
}

// NewGuard constructs a Guard over store.
func NewGuard(store IdempotencyStore) *Guard {
	return &Guard{store: store}
}

// Before implements `before(sessionId, step, attempt) → skip | proceed`
// (spec section 4.7).
func (g *Guard) Before(ctx context.Context, sessionID, step string, attempt int) (Decision, error) {
	existing, inserted, err := g.store.TryStart(ctx, sessionID, step, attempt)
	if err != nil {
		return "", fmt.Errorf("reliability: idempotency before %s/%s/%d: %w", sessionID, step, attempt, err)
	}
	if inserted {
		return DecisionProceed, nil
	}
	if existing.Status == StatusSuccess {
		return DecisionSkip, nil
	}
	// A prior "started" or "error" record: the Dispatcher is retrying the
	// same attempt number after a crash or failure. Proceeding re-runs the
	// step; re-running is safe because success is only ever recorded once
	// a NodeResult has actually been persisted.
	return DecisionProceed, nil
}

// After implements `after(sessionId, step, attempt, status, digest)` (spec
// section 4.7).
func (g *Guard) After(ctx context.Context, sessionID, step string, attempt int, status Status, digest string) error {
	if err := g.store.Finish(ctx, sessionID, step, attempt, status, digest); err != nil {
		return fmt.Errorf("reliability: idempotency after %s/%s/%d: %w", sessionID, step, attempt, err)
	}
	return nil
}

package reliability

import (
	"context"
	"fmt"

	"github.com/goa-ai-labs/agentflow/internal/events"
)

// EventReader is the narrow Event Repository read surface the Fan-In
// Checker needs: the last recorded event for a given session and source
// step. Ties in completion order are broken by insertion order, which the
// repository's natural read order (by primary key / tick) already
// provides.
type EventReader interface {
	LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error)
}

// FanInChecker is the Fan-In Checker (spec section 4.7): a prerequisite is
// ready iff its last recorded event for the session is STEP_DONE with
// status=success.
type FanInChecker struct {
	events EventReader
}

// NewFanInChecker constructs a FanInChecker over an EventReader.
func NewFanInChecker(eventReader EventReader) *FanInChecker {
	return &FanInChecker{events: eventReader}
}

// Ready implements `ready(sessionId, [step, …]) → bool` (spec section 4.7).
func (f *FanInChecker) Ready(ctx context.Context, sessionID string, steps []string) (bool, error) {
	for _, step := range steps {
		evt, ok, err := f.events.LastEventForStep(ctx, sessionID, step)
		if err != nil {
			return false, fmt.Errorf("reliability: fan-in check %s/%s: %w", sessionID, step, err)
		}
		if !ok || evt.Type != events.StepDone {
			return false, nil
		}
	}
	return true, nil
}

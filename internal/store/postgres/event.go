package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goa-ai-labs/agentflow/internal/events"
)

// EventRepository is the durable Event Repository (spec section 3,
// "Event"): implements both dispatcher.EventRepository (Append +
// LastEventForStep) and internal/httpapi's EventReplayStore
// (ListForSession).
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository over an existing pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) Append(ctx context.Context, e events.Event) error {
	const q = `
INSERT INTO events (id, tenant_id, session_id, type, source, target, tick, trace_id,
                     priority, from_state, to_state, payload, created_at, turn_id, seq_in_turn)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, q, e.ID, e.TenantID, e.SessionID, string(e.Type), e.Source, e.Target,
		e.Tick, e.TraceID, int(e.Priority), e.FromState, e.ToState, nullableJSON(e.Payload),
		e.CreatedAt, e.TurnID, e.SeqInTurn)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", e.ID, err)
	}
	return nil
}

// LastEventForStep implements reliability.EventReader: the most recently
// created event recorded against (sessionID, step) in from_state.
func (r *EventRepository) LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error) {
	const q = `
SELECT id, tenant_id, session_id, type, source, target, tick, trace_id,
       priority, from_state, to_state, payload, created_at, turn_id, seq_in_turn
FROM events
WHERE session_id = $1 AND from_state = $2
ORDER BY created_at DESC
LIMIT 1`
	e, err := scanEvent(r.pool.QueryRow(ctx, q, sessionID, step))
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Event{}, false, nil
	}
	if err != nil {
		return events.Event{}, false, fmt.Errorf("postgres: last event for step %s/%s: %w", sessionID, step, err)
	}
	return e, true, nil
}

// ListForSession returns every event recorded for sessionID, oldest first,
// for audit replay (spec section 6).
func (r *EventRepository) ListForSession(ctx context.Context, sessionID string) ([]events.Event, error) {
	const q = `
SELECT id, tenant_id, session_id, type, source, target, tick, trace_id,
       priority, from_state, to_state, payload, created_at, turn_id, seq_in_turn
FROM events
WHERE session_id = $1
ORDER BY tick ASC, created_at ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (events.Event, error) {
	return scanEventRow(row)
}

func scanEventRow(row rowScanner) (events.Event, error) {
	var e events.Event
	var typ string
	var priority int
	var payload []byte
	if err := row.Scan(&e.ID, &e.TenantID, &e.SessionID, &typ, &e.Source, &e.Target, &e.Tick,
		&e.TraceID, &priority, &e.FromState, &e.ToState, &payload, &e.CreatedAt, &e.TurnID, &e.SeqInTurn); err != nil {
		return events.Event{}, err
	}
	e.Type = events.Type(typ)
	e.Priority = events.Priority(priority)
	if len(payload) > 0 {
		e.Payload = payload
	}
	return e, nil
}

var _ interface {
	Append(ctx context.Context, e events.Event) error
	LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error)
} = (*EventRepository)(nil)

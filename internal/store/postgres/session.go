package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goa-ai-labs/agentflow/internal/session"
)

// SessionRepository is the durable Session Repository (spec section 3,
// "Sessions live in the fast store... with a cold snapshot in durable
// storage for post-TTL recovery"), queried directly through pgx rather
// than a generated ORM (entgo.io/ent is dropped; see DESIGN.md).
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository constructs a SessionRepository over an existing pool.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Create(ctx context.Context, s session.Session) error {
	const q = `
INSERT INTO sessions (id, tenant_id, flow_id, current_state, status, params, created_at, updated_at, completed_at, ttl_seconds, pause_requested_by, pause_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.TenantID, s.FlowID, s.CurrentState, string(s.Status),
		nullableJSON(s.Params), s.CreatedAt, s.UpdatedAt, s.CompletedAt, s.TTLSeconds,
		s.PauseRequestedBy, s.PauseReason)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", s.ID, err)
	}
	return nil
}

func (r *SessionRepository) Load(ctx context.Context, sessionID string) (session.Session, error) {
	const q = `
SELECT id, tenant_id, flow_id, current_state, status, params, created_at, updated_at, completed_at, ttl_seconds, pause_requested_by, pause_reason
FROM sessions WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, q, sessionID))
}

func (r *SessionRepository) Update(ctx context.Context, s session.Session) error {
	const q = `
UPDATE sessions
SET tenant_id = $2, flow_id = $3, current_state = $4, status = $5, params = $6,
    updated_at = $7, completed_at = $8, ttl_seconds = $9, pause_requested_by = $10, pause_reason = $11
WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, s.ID, s.TenantID, s.FlowID, s.CurrentState, string(s.Status),
		nullableJSON(s.Params), s.UpdatedAt, s.CompletedAt, s.TTLSeconds,
		s.PauseRequestedBy, s.PauseReason)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) ListExpired(ctx context.Context, asOf time.Time) ([]session.Session, error) {
	const q = `
SELECT id, tenant_id, flow_id, current_state, status, params, created_at, updated_at, completed_at, ttl_seconds, pause_requested_by, pause_reason
FROM sessions
WHERE completed_at IS NULL AND updated_at + (ttl_seconds * interval '1 second') < $1`
	rows, err := r.pool.Query(ctx, q, asOf)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list expired rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row pgx.Row) (session.Session, error) {
	return scanSessionRow(row)
}

func scanSessionRow(row rowScanner) (session.Session, error) {
	var s session.Session
	var status string
	var params []byte
	if err := row.Scan(&s.ID, &s.TenantID, &s.FlowID, &s.CurrentState, &status, &params,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt, &s.TTLSeconds,
		&s.PauseRequestedBy, &s.PauseReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("postgres: scan session: %w", err)
	}
	s.Status = session.Status(status)
	if len(params) > 0 {
		s.Params = params
	}
	return s, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

var _ session.Repository = (*SessionRepository)(nil)

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goa-ai-labs/agentflow/internal/reliability"
)

// IdempotencyStore is the durable backing for the Idempotency Guard (spec
// section 4.7): TryStart's insert-if-absent must be atomic per (session,
// step, attempt), which a unique primary key plus ON CONFLICT DO NOTHING
// gives us without an explicit row lock.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs an IdempotencyStore over an existing pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

func (s *IdempotencyStore) TryStart(ctx context.Context, sessionID, step string, attempt int) (reliability.Record, bool, error) {
	const insert = `
INSERT INTO idempotency_records (session_id, step, attempt, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, step, attempt) DO NOTHING`
	tag, err := s.pool.Exec(ctx, insert, sessionID, step, attempt, string(reliability.StatusStarted))
	if err != nil {
		return reliability.Record{}, false, fmt.Errorf("postgres: try start %s/%s/%d: %w", sessionID, step, attempt, err)
	}
	if tag.RowsAffected() == 1 {
		return reliability.Record{SessionID: sessionID, Step: step, Attempt: attempt, Status: reliability.StatusStarted}, true, nil
	}

	const selectQ = `SELECT session_id, step, attempt, status, digest FROM idempotency_records WHERE session_id = $1 AND step = $2 AND attempt = $3`
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectQ, sessionID, step, attempt))
	if err != nil {
		return reliability.Record{}, false, fmt.Errorf("postgres: load existing record %s/%s/%d: %w", sessionID, step, attempt, err)
	}
	return rec, false, nil
}

func (s *IdempotencyStore) Finish(ctx context.Context, sessionID, step string, attempt int, status reliability.Status, digest string) error {
	const q = `
UPDATE idempotency_records SET status = $4, digest = $5, updated_at = now()
WHERE session_id = $1 AND step = $2 AND attempt = $3`
	tag, err := s.pool.Exec(ctx, q, sessionID, step, attempt, string(status), digest)
	if err != nil {
		return fmt.Errorf("postgres: finish %s/%s/%d: %w", sessionID, step, attempt, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finish %s/%s/%d: %w", sessionID, step, attempt, errRecordNotFound)
	}
	return nil
}

var errRecordNotFound = errors.New("no started record")

func scanRecord(row pgx.Row) (reliability.Record, error) {
	var rec reliability.Record
	var status string
	if err := row.Scan(&rec.SessionID, &rec.Step, &rec.Attempt, &status, &rec.Digest); err != nil {
		return reliability.Record{}, err
	}
	rec.Status = reliability.Status(status)
	return rec, nil
}

var _ reliability.IdempotencyStore = (*IdempotencyStore)(nil)

package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Node Registry table (spec section 3, "Node
// Registration"): the table golang-migrate provisions at
// internal/store/postgres/migrations, queried here directly through pgx
// rather than through a generated ORM (entgo.io/ent is dropped; see
// DESIGN.md).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Upsert implements DurableStore.
func (s *PostgresStore) Upsert(ctx context.Context, reg Registration) error {
	const q = `
INSERT INTO node_registrations (node_id, kind, url, schema)
VALUES ($1, $2, $3, $4)
ON CONFLICT (node_id) DO UPDATE SET kind = $2, url = $3, schema = $4, updated_at = now()`
	var schema []byte
	if len(reg.Schema) > 0 {
		schema = reg.Schema
	}
	if _, err := s.pool.Exec(ctx, q, reg.NodeID, string(reg.Kind), reg.URL, schema); err != nil {
		return fmt.Errorf("registry: upsert %s: %w", reg.NodeID, err)
	}
	return nil
}

// List implements DurableStore.
func (s *PostgresStore) List(ctx context.Context) ([]Registration, error) {
	const q = `SELECT node_id, kind, url, schema FROM node_registrations`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var reg Registration
		var kind string
		var schema []byte
		if err := rows.Scan(&reg.NodeID, &kind, &reg.URL, &schema); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		reg.Kind = Kind(kind)
		reg.Schema = schema
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list rows: %w", err)
	}
	return out, nil
}

var _ DurableStore = (*PostgresStore)(nil)

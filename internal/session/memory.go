package session

import (
	"context"
	"sync"
	"time"

	"github.com/goa-ai-labs/agentflow/internal/flow"
)

// MemoryRepository is an in-process Repository used for unit tests.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryRepository constructs an empty in-memory Repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]Session)}
}

func (r *MemoryRepository) Create(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) Load(ctx context.Context, sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) Update(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) ListExpired(ctx context.Context, asOf time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		deadline := s.UpdatedAt.Add(time.Duration(s.TTLSeconds) * time.Second)
		if deadline.Before(asOf) {
			out = append(out, s)
		}
	}
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)

// StaticFlowLoader resolves flow ids from an in-memory map, used by tests,
// by the implicit single-node path that never hits a real loader, and (via
// Register/List) as internal/httpapi's in-process flow-definition store for
// POST/GET /api/registry/flows pending a durable, Postgres-backed one.
type StaticFlowLoader struct {
	mu    sync.Mutex
	Flows map[string]*flow.Definition
}

// NewStaticFlowLoader constructs a StaticFlowLoader over defs, keyed by
// their own ID field.
func NewStaticFlowLoader(defs ...*flow.Definition) *StaticFlowLoader {
	m := make(map[string]*flow.Definition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &StaticFlowLoader{Flows: m}
}

func (l *StaticFlowLoader) Load(ctx context.Context, flowID string) (*flow.Definition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	def, ok := l.Flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// Register adds or replaces def, keyed by def.ID (spec section 6, "POST
// /api/registry/flows").
func (l *StaticFlowLoader) Register(ctx context.Context, def *flow.Definition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flows[def.ID] = def
	return nil
}

// List returns every registered Flow Definition (spec section 6, "GET
// /api/registry/flows").
func (l *StaticFlowLoader) List(ctx context.Context) ([]*flow.Definition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*flow.Definition, 0, len(l.Flows))
	for _, d := range l.Flows {
		out = append(out, d)
	}
	return out, nil
}

var _ FlowLoader = (*StaticFlowLoader)(nil)

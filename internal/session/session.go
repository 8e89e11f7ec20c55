// Package session implements the Session Manager (spec section 4.5):
// session creation from a flow id or a bare node id, blackboard
// inheritance across sessions, control-event ingestion, and the periodic
// TTL sweep ("tempo clock") that pauses idle sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
	"github.com/goa-ai-labs/agentflow/internal/fsm"
)

// Status is a Session's lifecycle status (spec section 3, "Session").
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusWaitingUser Status = "waiting_user"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusAborted     Status = "aborted"
)

// Session is a conversation unit (spec section 3, "Session"). The fast
// store (Redis, via internal/fsm) is authoritative for CurrentState; this
// struct is the durable projection persisted by a Repository.
type Session struct {
	ID           string
	TenantID     string
	FlowID       string
	CurrentState string
	Status       Status
	Params       json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	TTLSeconds   int
	// PauseRequestedBy and PauseReason record who asked for a PAUSE control
	// event and why (internal/dispatcher's Pause), mirroring the teacher's
	// interrupt.PauseRequest audit fields. Both are cleared on Resume.
	PauseRequestedBy string
	PauseReason      string
}

// Repository persists Session records durably (spec section 3: "Sessions
// live in the fast store... with a cold snapshot in durable storage for
// post-TTL recovery").
type Repository interface {
	Create(ctx context.Context, s Session) error
	Load(ctx context.Context, sessionID string) (Session, error)
	Update(ctx context.Context, s Session) error
	// ListExpired returns sessions whose last update plus TTL is before
	// asOf, for the tempo clock sweep (spec section 4.5).
	ListExpired(ctx context.Context, asOf time.Time) ([]Session, error)
}

// ErrNotFound is returned by Repository.Load when sessionID does not exist.
var ErrNotFound = errors.New("session: not found")

// FlowLoader resolves a flow id to its Flow Definition, e.g. by reading a
// YAML file from disk or a durable flow table. Out of spec scope: "YAML
// flow-definition files themselves (only the loader contract is
// specified)".
type FlowLoader interface {
	Load(ctx context.Context, flowID string) (*flow.Definition, error)
}

// FlowRegistry is the superset of FlowLoader internal/httpapi needs for
// dynamic flow registration and listing (spec section 6, "POST/GET
// /api/registry/flows"). *StaticFlowLoader implements it.
type FlowRegistry interface {
	FlowLoader
	Register(ctx context.Context, def *flow.Definition) error
	List(ctx context.Context) ([]*flow.Definition, error)
}

// EventRepository appends audit Events (spec section 3, "Event"); the
// Dispatcher is the primary writer, but Session Manager also appends for
// control events and STATE_TRANSITION records it triggers directly.
type EventRepository interface {
	Append(ctx context.Context, e events.Event) error
}

// BlackboardStore is the minimal Blackboard surface Inherit needs: listing
// and copying artifacts between sessions without depending on the full
// internal/blackboard package (avoids an import cycle risk and keeps
// Manager's dependency surface narrow).
type BlackboardStore interface {
	ListArtifacts(ctx context.Context, sessionID string) ([]string, error)
	ReadArtifact(ctx context.Context, sessionID, artifactID string) ([]byte, error)
	WriteArtifact(ctx context.Context, sessionID, artifactID string, data []byte) error
}

// SnapshotStore persists the cold snapshot a paused session's blackboard
// artifacts are copied into when the tempo clock sweep pauses it for
// inactivity (spec section 3: "a cold snapshot in durable storage for
// post-TTL recovery"). internal/store/mongo provides the durable
// implementation.
type SnapshotStore interface {
	Save(ctx context.Context, sessionID string, snapshot Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, bool, error)
}

// Snapshot is the cold copy of a paused session: its durable Session row
// plus every blackboard artifact known at pause time, keyed by artifact id.
type Snapshot struct {
	Session   Session
	Artifacts map[string][]byte
}

// Manager is the Session Manager.
type Manager struct {
	repo       Repository
	flows      FlowLoader
	fsmImpl    fsm.FSM
	eventsRepo EventRepository
	blackboard BlackboardStore
	bus        bus.Bus
	defaultTTL time.Duration
	snapshots  SnapshotStore

	// singleNodeDefs caches the synthetic Flow Definition built for each
	// implicit single-node session, keyed by session id rather than flow
	// id: every such session shares the fixed flow.SingleNode("").ID, so a
	// flow-id-keyed lookup would collide across sessions bound to
	// different node refs.
	mu             sync.Mutex
	singleNodeDefs map[string]*flow.Definition

	now func() time.Time
}

// New constructs a Manager. now defaults to time.Now; tests may override it
// via WithClock.
func New(repo Repository, flows FlowLoader, fsmImpl fsm.FSM, eventsRepo EventRepository, blackboardStore BlackboardStore, eventBus bus.Bus, defaultTTL time.Duration) *Manager {
	return &Manager{
		repo:           repo,
		flows:          flows,
		fsmImpl:        fsmImpl,
		eventsRepo:     eventsRepo,
		blackboard:     blackboardStore,
		bus:            eventBus,
		defaultTTL:     defaultTTL,
		singleNodeDefs: make(map[string]*flow.Definition),
		now:            time.Now,
	}
}

// WithSnapshotStore attaches a SnapshotStore so Sweep can cold-snapshot
// sessions it pauses for inactivity. Without one, Sweep still pauses
// expired sessions but skips the snapshot write.
func (m *Manager) WithSnapshotStore(store SnapshotStore) *Manager {
	m.snapshots = store
	return m
}

// Sweep is the tempo clock (spec section 4.5): it loads every session
// whose TTL has elapsed as of asOf, pauses it, and — if a SnapshotStore is
// attached — cold-snapshots its blackboard artifacts before the fast
// store's own TTL reaps them. It returns the number of sessions paused.
func (m *Manager) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	expired, err := m.repo.ListExpired(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("session: sweep list expired: %w", err)
	}

	paused := 0
	for _, sess := range expired {
		if sess.Status == StatusCompleted || sess.Status == StatusAborted || sess.Status == StatusPaused {
			continue
		}
		if m.snapshots != nil {
			if err := m.snapshotSession(ctx, sess); err != nil {
				return paused, fmt.Errorf("session: sweep snapshot %s: %w", sess.ID, err)
			}
		}
		sess.Status = StatusPaused
		sess.UpdatedAt = asOf
		if err := m.repo.Update(ctx, sess); err != nil {
			return paused, fmt.Errorf("session: sweep pause %s: %w", sess.ID, err)
		}
		paused++
	}
	return paused, nil
}

func (m *Manager) snapshotSession(ctx context.Context, sess Session) error {
	ids, err := m.blackboard.ListArtifacts(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	artifacts := make(map[string][]byte, len(ids))
	for _, id := range ids {
		data, err := m.blackboard.ReadArtifact(ctx, sess.ID, id)
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", id, err)
		}
		artifacts[id] = data
	}
	return m.snapshots.Save(ctx, sess.ID, Snapshot{Session: sess, Artifacts: artifacts})
}

// WithClock overrides the Manager's clock, for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// StartFlow loads flowID, writes a Session record in "running", sets the
// FSM to the flow's initial state, and returns immediately (spec section
// 4.5).
func (m *Manager) StartFlow(ctx context.Context, tenantID, flowID string, params json.RawMessage) (string, error) {
	def, err := m.flows.Load(ctx, flowID)
	if err != nil {
		return "", fmt.Errorf("session: load flow %s: %w", flowID, err)
	}
	return m.start(ctx, tenantID, flowID, def, params)
}

// StartSingleNode registers a synthetic two-state FSM
// ([execute]--STEP_DONE-->[end]) bound to nodeID and then behaves like
// StartFlow (spec section 4.5). The synthetic flow id is
// flow.SingleNode's fixed "__single_node__" so audit queries can identify
// implicit sessions (spec section 9, open question).
func (m *Manager) StartSingleNode(ctx context.Context, tenantID, nodeRef string, params json.RawMessage) (string, error) {
	def := flow.SingleNode(nodeRef)
	sessionID, err := m.start(ctx, tenantID, def.ID, def, params)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.singleNodeDefs[sessionID] = def
	m.mu.Unlock()
	return sessionID, nil
}

func (m *Manager) start(ctx context.Context, tenantID, flowID string, def *flow.Definition, params json.RawMessage) (string, error) {
	sessionID := uuid.NewString()
	now := m.now()

	if err := m.fsmImpl.Init(ctx, sessionID, def); err != nil {
		return "", fmt.Errorf("session: init fsm for %s: %w", sessionID, err)
	}

	sess := Session{
		ID:           sessionID,
		TenantID:     tenantID,
		FlowID:       flowID,
		CurrentState: def.InitialState,
		Status:       StatusRunning,
		Params:       params,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTLSeconds:   int(m.defaultTTL / time.Second),
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return sessionID, nil
}

// Inherit copies selected blackboard artifacts from fromSessionID into a
// new session running newFlowID; the source session is not modified (spec
// section 4.5). fromStep is the artifact identifier prefix used to select
// which artifacts to carry over; an empty fromStep copies every artifact.
func (m *Manager) Inherit(ctx context.Context, tenantID, newFlowID, fromSessionID, fromStep string) (string, error) {
	newSessionID, err := m.StartFlow(ctx, tenantID, newFlowID, nil)
	if err != nil {
		return "", fmt.Errorf("session: inherit start flow: %w", err)
	}

	ids, err := m.blackboard.ListArtifacts(ctx, fromSessionID)
	if err != nil {
		return "", fmt.Errorf("session: inherit list artifacts from %s: %w", fromSessionID, err)
	}
	for _, id := range ids {
		if fromStep != "" && !hasPrefix(id, fromStep) {
			continue
		}
		data, err := m.blackboard.ReadArtifact(ctx, fromSessionID, id)
		if err != nil {
			return "", fmt.Errorf("session: inherit read artifact %s: %w", id, err)
		}
		if err := m.blackboard.WriteArtifact(ctx, newSessionID, id, data); err != nil {
			return "", fmt.Errorf("session: inherit write artifact %s: %w", id, err)
		}
	}
	return newSessionID, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// PushEvent enqueues a control or user event into the FSM pipeline (spec
// section 4.5). Control events (PAUSE/RESUME/ABORT/RESET/USER_*) advance
// the session's FSM directly; the resulting STATE_TRANSITION is appended
// to the Event Repository and published on the Event Bus for SSE/listener
// fan-out. STEP_DONE-class events are the Dispatcher's own write path and
// are not expected to arrive here.
func (m *Manager) PushEvent(ctx context.Context, sessionID string, eventType events.Type, payload json.RawMessage) error {
	sess, err := m.repo.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	def, err := m.resolveDef(ctx, sessionID, sess.FlowID)
	if err != nil {
		return fmt.Errorf("session: load flow %s: %w", sess.FlowID, err)
	}

	newState, err := m.fsmImpl.AdvanceAtomic(ctx, sessionID, def, eventType)
	var conflict *fsm.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("session: advance %s: %w", sessionID, err)
	}
	if err != nil {
		return fmt.Errorf("session: advance %s: %w", sessionID, err)
	}

	oldState := sess.CurrentState
	now := m.now()
	sess.CurrentState = newState
	sess.Status = statusForState(newState, def)
	sess.UpdatedAt = now
	if flow.IsTerminal(newState) {
		sess.CompletedAt = &now
	}
	if err := m.repo.Update(ctx, sess); err != nil {
		return fmt.Errorf("session: update %s: %w", sessionID, err)
	}

	evt := events.Event{
		ID:        uuid.NewString(),
		TenantID:  sess.TenantID,
		SessionID: sessionID,
		Type:      events.StateTransition,
		FromState: oldState,
		ToState:   newState,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := m.eventsRepo.Append(ctx, evt); err != nil {
		return fmt.Errorf("session: append event %s: %w", sessionID, err)
	}
	if err := m.bus.Publish(ctx, sess.TenantID, evt); err != nil {
		return fmt.Errorf("session: publish event %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the durable Session record for sessionID, for callers (the
// Agent Controller) that need to resume an existing chat session without
// triggering an FSM transition.
func (m *Manager) Load(ctx context.Context, sessionID string) (Session, error) {
	return m.repo.Load(ctx, sessionID)
}

// ResolveFlow returns the Flow Definition governing sessionID, satisfying
// dispatcher.FlowResolver so the Dispatcher can share the Session Manager's
// single-node synthetic-definition cache instead of re-deriving it.
func (m *Manager) ResolveFlow(ctx context.Context, sessionID, flowID string) (*flow.Definition, error) {
	return m.resolveDef(ctx, sessionID, flowID)
}

// resolveDef returns the Flow Definition governing sessionID: the cached
// synthetic definition for implicit single-node sessions, or the loader's
// definition for explicit flow sessions.
func (m *Manager) resolveDef(ctx context.Context, sessionID, flowID string) (*flow.Definition, error) {
	m.mu.Lock()
	def, ok := m.singleNodeDefs[sessionID]
	m.mu.Unlock()
	if ok {
		return def, nil
	}
	return m.flows.Load(ctx, flowID)
}

func statusForState(state string, def *flow.Definition) Status {
	switch state {
	case "end":
		return StatusCompleted
	case "error":
		return StatusError
	case "aborted":
		return StatusAborted
	}
	if def.IsUserInputState(state) {
		return StatusWaitingUser
	}
	return StatusRunning
}

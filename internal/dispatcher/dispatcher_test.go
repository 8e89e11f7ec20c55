package dispatcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/engine"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
	"github.com/goa-ai-labs/agentflow/internal/fsm"
	"github.com/goa-ai-labs/agentflow/internal/registry"
	"github.com/goa-ai-labs/agentflow/internal/reliability"
	"github.com/goa-ai-labs/agentflow/internal/session"
	"github.com/goa-ai-labs/agentflow/internal/telemetry"
)

// memEventRepo is an in-process EventRepository that doubles as the Fan-In
// Checker's EventReader, since both only need Append/LastEventForStep over
// the same underlying log.
type memEventRepo struct {
	mu     sync.Mutex
	events []events.Event
	last   map[string]events.Event
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{last: make(map[string]events.Event)}
}

func (r *memEventRepo) Append(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	r.last[e.SessionID+"/"+e.FromState] = e
	return nil
}

func (r *memEventRepo) LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt, ok := r.last[sessionID+"/"+step]
	return evt, ok, nil
}

// staticFlowResolver implements dispatcher.FlowResolver over a fixed map,
// ignoring sessionID (no single-node caching needed in these tests).
type staticFlowResolver struct {
	defs map[string]*flow.Definition
}

func (r staticFlowResolver) ResolveFlow(ctx context.Context, sessionID, flowID string) (*flow.Definition, error) {
	def, ok := r.defs[flowID]
	if !ok {
		return nil, fmt.Errorf("no flow %s", flowID)
	}
	return def, nil
}

// stubBuiltin returns a fixed NodeResult, counting invocations and failing
// the first failCount calls with a retryable error.
type stubBuiltin struct {
	mu        sync.Mutex
	result    dispatcher.NodeResult
	failCount int
	calls     int
}

func (b *stubBuiltin) Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	if n <= b.failCount {
		return nil, fmt.Errorf("stub transient failure on call %d", n)
	}
	return json.Marshal(b.result)
}

func (b *stubBuiltin) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// harness bundles everything a test needs to construct a Dispatcher over
// purely in-memory backends.
type harness struct {
	sessions   *session.MemoryRepository
	fsmImpl    *fsm.MemoryFSM
	defs       map[string]*flow.Definition
	reg        *registry.Registry
	bb         *blackboard.MemoryBlackboard
	eventRepo  *memEventRepo
	eventBus   *bus.MemoryBus
	guard      *reliability.Guard
	fanIn      *reliability.FanInChecker
	hardStop   *reliability.HardStopper
	abortFlags *reliability.MemoryAbortFlagStore
	disp       *dispatcher.Dispatcher
}

func newHarness(t *testing.T, defs ...*flow.Definition) *harness {
	t.Helper()
	sessions := session.NewMemoryRepository()
	fsmImpl := fsm.NewMemoryFSM()
	reg := registry.New(registry.NewMemoryCache(), nil)
	bb := blackboard.NewMemoryBlackboard()
	eventRepo := newMemEventRepo()
	eventBus := bus.NewMemoryBus()
	guard := reliability.NewGuard(reliability.NewMemoryIdempotencyStore())
	fanIn := reliability.NewFanInChecker(eventRepo)
	abortFlags := reliability.NewMemoryAbortFlagStore()
	hardStop := reliability.NewHardStopper(abortFlags, bb, eventBus)

	defMap := make(map[string]*flow.Definition, len(defs))
	for _, d := range defs {
		defMap[d.ID] = d
	}
	resolver := staticFlowResolver{defs: defMap}

	disp := dispatcher.New(
		sessions, resolver, fsmImpl, reg, bb, eventRepo, eventBus,
		guard, fanIn, hardStop, engine.NewInMemoryExecutor(),
		dispatcher.StaticRetryPolicy{Policy: reliability.DefaultRetryPolicy},
		telemetry.NewNoopLogger(),
	)

	return &harness{
		sessions: sessions, fsmImpl: fsmImpl, defs: defMap, reg: reg, bb: bb,
		eventRepo: eventRepo, eventBus: eventBus, guard: guard,
		fanIn: fanIn, hardStop: hardStop, abortFlags: abortFlags, disp: disp,
	}
}

// createSession seeds both the Session Repository and the FSM with a fresh
// session, mirroring what session.Manager.StartFlow/StartSingleNode do
// before the Dispatcher ever sees the session (session.go's StartFlow calls
// fsmImpl.Init right after sessions.Create).
func (h *harness) createSession(ctx context.Context, t *testing.T, flowID, initialState string) session.Session {
	t.Helper()
	sess := session.Session{
		ID:           "sess-" + flowID,
		TenantID:     "tenant-a",
		FlowID:       flowID,
		CurrentState: initialState,
		Status:       session.StatusRunning,
		Params:       json.RawMessage(`{}`),
	}
	require.NoError(t, h.sessions.Create(ctx, sess))
	def, ok := h.defs[flowID]
	require.True(t, ok, "no flow definition registered for %s", flowID)
	require.NoError(t, h.fsmImpl.Init(ctx, sess.ID, def))
	return sess
}

func singleNodeDef(nodeID string) *flow.Definition {
	return flow.SingleNode("builtin://" + nodeID)
}

func TestDispatcher_DispatchInitial_BuiltinSuccess(t *testing.T) {
	ctx := context.Background()
	def := singleNodeDef("search")
	h := newHarness(t, def)

	node := &stubBuiltin{result: dispatcher.NodeResult{
		Status:    dispatcher.ResultSuccess,
		Artifacts: map[string]json.RawMessage{"doc": json.RawMessage(`"hello"`)},
	}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "search", node))

	sess := h.createSession(ctx, t, def.ID, def.InitialState)

	require.NoError(t, h.disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))

	require.Equal(t, 1, node.callCount())

	final, err := h.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, final.Status)

	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "end", state)

	artifact, err := h.bb.ReadArtifact(ctx, sess.ID, "doc")
	require.NoError(t, err)
	require.JSONEq(t, `"hello"`, string(artifact))
}

func TestDispatcher_AbortShortCircuits(t *testing.T) {
	ctx := context.Background()
	def := singleNodeDef("search")
	h := newHarness(t, def)

	node := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "search", node))

	sess := h.createSession(ctx, t, def.ID, def.InitialState)
	require.NoError(t, h.hardStop.Abort(ctx, sess.TenantID, sess.ID, "user requested stop", "trace-1"))

	require.NoError(t, h.disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))

	require.Equal(t, 0, node.callCount())

	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, def.InitialState, state, "aborted session must not advance")
}

func TestDispatcher_Pause_BlocksDispatchUntilResume(t *testing.T) {
	ctx := context.Background()
	def := &flow.Definition{
		ID:     "pause-flow",
		States: []string{"start", "end"},
		Transitions: []flow.Transition{
			{From: "start", Event: string(events.StepDone), To: "end"},
		},
		InitialState: "start",
	}
	h := newHarness(t, def)
	sess := h.createSession(ctx, t, def.ID, def.InitialState)

	require.NoError(t, h.disp.Pause(ctx, sess.TenantID, sess.ID, "alice", "investigating", "trace-1"))

	paused, err := h.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusPaused, paused.Status)
	require.Equal(t, "alice", paused.PauseRequestedBy)
	require.Equal(t, "investigating", paused.PauseReason)

	err = h.disp.Dispatch(ctx, sess.ID, events.StepDone, "trace-test", nil)
	require.ErrorIs(t, err, dispatcher.ErrSessionPaused)

	require.NoError(t, h.disp.Resume(ctx, sess.TenantID, sess.ID, "alice", "trace-2"))
	resumed, err := h.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, resumed.Status)
	require.Empty(t, resumed.PauseRequestedBy)
	require.Empty(t, resumed.PauseReason)

	require.NoError(t, h.disp.Dispatch(ctx, sess.ID, events.StepDone, "trace-test", nil))
	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "end", state)
}

func TestDispatcher_Resume_NotPausedRejected(t *testing.T) {
	ctx := context.Background()
	def := singleNodeDef("search")
	h := newHarness(t, def)
	sess := h.createSession(ctx, t, def.ID, def.InitialState)

	err := h.disp.Resume(ctx, sess.TenantID, sess.ID, "alice", "trace-1")
	require.ErrorIs(t, err, dispatcher.ErrSessionNotPaused)
}

func TestDispatcher_UserInputStateShortCircuit(t *testing.T) {
	ctx := context.Background()
	def := &flow.Definition{
		ID:              "review-flow",
		States:          []string{"execute", "review", "end"},
		InitialState:    "execute",
		Transitions:     []flow.Transition{{From: "execute", Event: "STEP_DONE", To: "review"}},
		StateNodeMap:    map[string]string{"execute": "builtin://search"},
		UserInputStates: []string{"review"},
	}
	h := newHarness(t, def)
	node := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "search", node))

	sess := h.createSession(ctx, t, def.ID, def.InitialState)
	require.NoError(t, h.disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))

	require.Equal(t, 1, node.callCount())

	final, err := h.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusWaitingUser, final.Status)

	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "review", state)
}

func fanInFlowDef() *flow.Definition {
	return &flow.Definition{
		ID:           "fanin-flow",
		States:       []string{"branch_a", "branch_b", "join", "end"},
		InitialState: "branch_a",
		Transitions: []flow.Transition{
			{From: "branch_a", Event: "STEP_DONE", To: "join", FanIn: true},
			{From: "branch_b", Event: "STEP_DONE", To: "join", FanIn: true},
			{From: "join", Event: "STEP_DONE", To: "end"},
		},
		StateNodeMap: map[string]string{
			"branch_a": "builtin://branch_a_node",
			"join":     "builtin://join_node",
		},
	}
}

func TestDispatcher_FanInGating_NotReady(t *testing.T) {
	ctx := context.Background()
	def := fanInFlowDef()
	h := newHarness(t, def)
	branchANode := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	joinNode := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "branch_a_node", branchANode))
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "join_node", joinNode))

	sess := h.createSession(ctx, t, def.ID, "branch_a")

	// branch_a's own node completes, recording its STEP_DONE audit event
	// and triggering the branch_a->join transition; fan-in to "join" is
	// not ready yet since branch_b hasn't recorded STEP_DONE.
	require.NoError(t, h.disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))
	require.Equal(t, 1, branchANode.callCount())
	require.Equal(t, 0, joinNode.callCount(), "join node must not run until both branches report done")

	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "join", state, "FSM still advances to join even while fan-in is pending")
}

func TestDispatcher_FanInGating_ReadyRunsJoinNode(t *testing.T) {
	ctx := context.Background()
	def := fanInFlowDef()
	h := newHarness(t, def)
	branchANode := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	joinNode := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "branch_a_node", branchANode))
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "join_node", joinNode))

	sess := h.createSession(ctx, t, def.ID, "branch_a")

	// branch_b already recorded STEP_DONE via its own earlier, separate
	// invocation; once branch_a's node also completes, both prerequisites
	// are satisfied and the join node runs immediately.
	require.NoError(t, h.eventRepo.Append(ctx, events.Event{SessionID: sess.ID, FromState: "branch_b", Type: events.StepDone}))

	require.NoError(t, h.disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))
	require.Equal(t, 1, joinNode.callCount(), "join node runs once both prerequisites are satisfied")

	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "end", state)
}

func TestDispatcher_IdempotencySkipsReplayedAttempt(t *testing.T) {
	ctx := context.Background()
	def := singleNodeDef("search")
	h := newHarness(t, def)
	node := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "search", node))

	sess := h.createSession(ctx, t, def.ID, def.InitialState)

	req := engine.Request{SessionID: sess.ID, TenantID: sess.TenantID, Step: "execute", NodeRef: "builtin://search", Params: sess.Params, Attempt: 1}

	_, err := h.disp.InvokeNode(ctx, req)
	require.NoError(t, err)
	_, err = h.disp.InvokeNode(ctx, req)
	require.NoError(t, err)

	require.Equal(t, 1, node.callCount(), "a replayed attempt must be skipped by the idempotency guard")
}

func TestDispatcher_ConflictRetryExhausted(t *testing.T) {
	ctx := context.Background()
	def := singleNodeDef("search")
	h := newHarness(t, def)
	node := &stubBuiltin{result: dispatcher.NodeResult{Status: dispatcher.ResultSuccess}}
	require.NoError(t, h.reg.RegisterBuiltin(ctx, "search", node))

	sess := h.createSession(ctx, t, def.ID, def.InitialState)

	conflicting := &alwaysConflictFSM{}
	disp := dispatcher.New(
		h.sessions, staticFlowResolver{defs: map[string]*flow.Definition{def.ID: def}},
		conflicting, h.reg, h.bb, h.eventRepo, h.eventBus,
		h.guard, h.fanIn, h.hardStop, engine.NewInMemoryExecutor(),
		dispatcher.StaticRetryPolicy{Policy: reliability.DefaultRetryPolicy},
		telemetry.NewNoopLogger(),
	)

	err := disp.Dispatch(ctx, sess.ID, events.StepDone, "trace-test", nil)
	require.Error(t, err)
	require.Equal(t, dispatcher.MaxConflictRetries, conflicting.calls)
}

// alwaysConflictFSM implements fsm.FSM and always reports a CAS conflict,
// to exercise Dispatch's bounded conflict-retry loop.
type alwaysConflictFSM struct {
	calls int
}

func (f *alwaysConflictFSM) Init(ctx context.Context, sessionID string, def *flow.Definition) error {
	return nil
}

func (f *alwaysConflictFSM) CurrentState(ctx context.Context, sessionID string) (string, error) {
	return "execute", nil
}

func (f *alwaysConflictFSM) AdvanceAtomic(ctx context.Context, sessionID string, def *flow.Definition, eventType events.Type) (string, error) {
	f.calls++
	return "", &fsm.ConflictError{CurrentState: "execute"}
}

var _ fsm.FSM = (*alwaysConflictFSM)(nil)

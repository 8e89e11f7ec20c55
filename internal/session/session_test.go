package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
	"github.com/goa-ai-labs/agentflow/internal/fsm"
)

type memoryEventsRepo struct{ events []events.Event }

func (r *memoryEventsRepo) Append(ctx context.Context, e events.Event) error {
	r.events = append(r.events, e)
	return nil
}

func testManager(t *testing.T, def *flow.Definition) (*Manager, *MemoryRepository, *memoryEventsRepo) {
	t.Helper()
	repo := NewMemoryRepository()
	evRepo := &memoryEventsRepo{}
	mgr := New(
		repo,
		NewStaticFlowLoader(def),
		fsm.NewMemoryFSM(),
		evRepo,
		blackboard.NewMemoryBlackboard(),
		bus.NewMemoryBus(),
		30*time.Minute,
	)
	return mgr, repo, evRepo
}

func TestManager_StartFlowThenPushEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	def := &flow.Definition{
		ID:           "procurement",
		States:       []string{"search", "end"},
		InitialState: "search",
		Transitions: []flow.Transition{
			{From: "search", Event: "STEP_DONE", To: "end"},
		},
		StateNodeMap: map[string]string{"search": "builtin://search"},
	}
	mgr, repo, evRepo := testManager(t, def)

	sessionID, err := mgr.StartFlow(ctx, "tenant-a", "procurement", nil)
	require.NoError(t, err)

	sess, err := repo.Load(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, sess.Status)
	require.Equal(t, "search", sess.CurrentState)

	require.NoError(t, mgr.PushEvent(ctx, sessionID, events.StepDone, nil))

	sess, err = repo.Load(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.Status)
	require.Equal(t, "end", sess.CurrentState)
	require.NotNil(t, sess.CompletedAt)
	require.Len(t, evRepo.events, 1)
	require.Equal(t, events.StateTransition, evRepo.events[0].Type)
	require.Equal(t, "search", evRepo.events[0].FromState)
	require.Equal(t, "end", evRepo.events[0].ToState)
}

func TestManager_StartSingleNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, repo, _ := testManager(t, flow.SingleNode("builtin://unused"))

	sessionID, err := mgr.StartSingleNode(ctx, "tenant-a", "builtin://writer", nil)
	require.NoError(t, err)

	sess, err := repo.Load(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, "execute", sess.CurrentState)

	require.NoError(t, mgr.PushEvent(ctx, sessionID, events.StepDone, nil))

	sess, err = repo.Load(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, "end", sess.CurrentState)
}

func TestManager_Inherit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	def := &flow.Definition{
		ID:           "procurement",
		States:       []string{"search", "end"},
		InitialState: "search",
		Transitions:  []flow.Transition{{From: "search", Event: "STEP_DONE", To: "end"}},
	}
	repo := NewMemoryRepository()
	bb := blackboard.NewMemoryBlackboard()
	mgr := New(repo, NewStaticFlowLoader(def), fsm.NewMemoryFSM(), &memoryEventsRepo{}, bb, bus.NewMemoryBus(), 30*time.Minute)

	fromSessionID, err := mgr.StartFlow(ctx, "tenant-a", "procurement", nil)
	require.NoError(t, err)
	require.NoError(t, bb.WriteArtifact(ctx, fromSessionID, "search_result", []byte("rows")))

	newSessionID, err := mgr.Inherit(ctx, "tenant-a", "procurement", fromSessionID, "")
	require.NoError(t, err)
	require.NotEqual(t, fromSessionID, newSessionID)

	data, err := bb.ReadArtifact(ctx, newSessionID, "search_result")
	require.NoError(t, err)
	require.Equal(t, "rows", string(data))

	// Source session untouched.
	srcIDs, err := bb.ListArtifacts(ctx, fromSessionID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"search_result"}, srcIDs)
}

package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
)

func testFlow() *flow.Definition {
	return &flow.Definition{
		ID:           "procurement",
		States:       []string{"search", "compare", "end", "error"},
		InitialState: "search",
		Transitions: []flow.Transition{
			{From: "search", Event: "STEP_DONE", To: "compare"},
			{From: "compare", Event: "STEP_DONE", To: "end"},
			{From: "search", Event: "EVENT_ERROR", To: "error"},
			{From: "error", Event: "RESET", To: "search"},
		},
		StateNodeMap: map[string]string{
			"search":  "builtin://search",
			"compare": "builtin://compare",
		},
	}
}

func TestMemoryFSM_AdvanceHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewMemoryFSM()
	def := testFlow()

	require.NoError(t, f.Init(ctx, "s1", def))

	state, err := f.AdvanceAtomic(ctx, "s1", def, events.StepDone)
	require.NoError(t, err)
	require.Equal(t, "compare", state)

	state, err = f.AdvanceAtomic(ctx, "s1", def, events.StepDone)
	require.NoError(t, err)
	require.Equal(t, "end", state)
}

func TestMemoryFSM_TerminalStateRejectsEventsExceptReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewMemoryFSM()
	def := testFlow()

	require.NoError(t, f.Init(ctx, "s1", def))
	_, err := f.AdvanceAtomic(ctx, "s1", def, events.EventError)
	require.NoError(t, err)

	state, err := f.CurrentState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "error", state)

	_, err = f.AdvanceAtomic(ctx, "s1", def, events.StepDone)
	require.ErrorAs(t, err, new(*NoTransitionError))

	state, err = f.AdvanceAtomic(ctx, "s1", def, events.Reset)
	require.NoError(t, err)
	require.Equal(t, "search", state)
}

func TestMemoryFSM_UnknownEventIsNoTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewMemoryFSM()
	def := testFlow()
	require.NoError(t, f.Init(ctx, "s1", def))

	_, err := f.AdvanceAtomic(ctx, "s1", def, events.UserRollback)
	require.ErrorAs(t, err, new(*NoTransitionError))
}

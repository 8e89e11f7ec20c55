package dispatcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/flow"
	"github.com/goa-ai-labs/agentflow/internal/reliability"
	"github.com/goa-ai-labs/agentflow/internal/telemetry"
)

func webhookFlowDef(url string) *flow.Definition {
	return &flow.Definition{
		ID:           "webhook-flow",
		States:       []string{"execute", "end"},
		InitialState: "execute",
		Transitions:  []flow.Transition{{From: "execute", Event: "STEP_DONE", To: "end"}},
		StateNodeMap: map[string]string{"execute": url},
	}
}

func fastWebhookPolicy() dispatcher.StaticRetryPolicy {
	return dispatcher.StaticRetryPolicy{Policy: reliability.RetryPolicy{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        5 * time.Millisecond,
	}}
}

func TestDispatcher_Webhook_SubmissionSucceeds_LeavesStartedRecord(t *testing.T) {
	ctx := context.Background()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	def := webhookFlowDef(srv.URL)
	h := newHarness(t, def)
	require.NoError(t, h.reg.RegisterWebhook(ctx, "remote_node", srv.URL, nil))

	sess := h.createSession(ctx, t, def.ID, def.InitialState)
	require.NoError(t, h.disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// FSM has not advanced: the real outcome only arrives via HandleCallback.
	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "execute", state)
}

func TestDispatcher_Webhook_RetriesSubmissionFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	def := webhookFlowDef(srv.URL)
	h := newHarness(t, def)
	require.NoError(t, h.reg.RegisterWebhook(ctx, "remote_node", srv.URL, nil))

	policy := fastWebhookPolicy()
	disp := rebuildDispatcherWithPolicy(h, def, policy)

	sess := h.createSession(ctx, t, def.ID, def.InitialState)
	require.NoError(t, disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))

	require.EqualValues(t, 2, atomic.LoadInt32(&calls), "first attempt fails with 500, second succeeds")
}

func TestDispatcher_Webhook_RecordsFailureOnceRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := webhookFlowDef(srv.URL)
	h := newHarness(t, def)
	require.NoError(t, h.reg.RegisterWebhook(ctx, "remote_node", srv.URL, nil))

	policy := fastWebhookPolicy()
	disp := rebuildDispatcherWithPolicy(h, def, policy)

	sess := h.createSession(ctx, t, def.ID, def.InitialState)
	require.NoError(t, disp.DispatchInitial(ctx, sess.ID, "trace-test", nil))

	state, err := h.fsmImpl.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "error", state, "exhausting the retry budget drives the FSM to error")
}

// rebuildDispatcherWithPolicy constructs a second Dispatcher over h's
// shared in-memory backends but with a custom RetryPolicyResolver, since
// Dispatcher.New takes the policy resolver as a constructor argument rather
// than a per-call override.
func rebuildDispatcherWithPolicy(h *harness, def *flow.Definition, policy dispatcher.RetryPolicyResolver) *dispatcher.Dispatcher {
	return dispatcher.New(
		h.sessions, staticFlowResolver{defs: map[string]*flow.Definition{def.ID: def}},
		h.fsmImpl, h.reg, h.bb, h.eventRepo, h.eventBus,
		h.guard, h.fanIn, h.hardStop, nil,
		policy, telemetry.NewNoopLogger(),
	)
}

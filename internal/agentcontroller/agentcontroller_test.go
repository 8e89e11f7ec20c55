package agentcontroller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/agentcontroller"
	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/engine"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/fsm"
	"github.com/goa-ai-labs/agentflow/internal/llmclient"
	"github.com/goa-ai-labs/agentflow/internal/registry"
	"github.com/goa-ai-labs/agentflow/internal/reliability"
	"github.com/goa-ai-labs/agentflow/internal/session"
	"github.com/goa-ai-labs/agentflow/internal/sse"
	"github.com/goa-ai-labs/agentflow/internal/telemetry"
)

// memEventRepo is an in-process event log satisfying dispatcher.EventRepository,
// session.EventRepository, and the Fan-In Checker's reader, mirroring the
// helper internal/dispatcher's own tests use.
type memEventRepo struct {
	mu   sync.Mutex
	last map[string]events.Event
}

func newMemEventRepo() *memEventRepo { return &memEventRepo{last: make(map[string]events.Event)} }

func (r *memEventRepo) Append(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[e.SessionID+"/"+e.FromState] = e
	return nil
}

func (r *memEventRepo) LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt, ok := r.last[sessionID+"/"+step]
	return evt, ok, nil
}

// echoBuiltin returns a fixed successful NodeResult carrying a smart_table
// ui_schema, so tests can assert both tool_done and ui_render frames.
type echoBuiltin struct{}

func (echoBuiltin) Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	nr := dispatcher.NodeResult{
		Status:    dispatcher.ResultSuccess,
		Artifacts: map[string]json.RawMessage{"echo_result": json.RawMessage(`{"ok":true}`)},
		UISchema:  json.RawMessage(`{"component":"smart_table","data":{"columns":["a"],"rows":[["1"]]}}`),
	}
	return json.Marshal(nr)
}

type testHarness struct {
	ctrl  *agentcontroller.Controller
	llm   *httptest.Server
	data  *httptest.Server
	calls []llmclient.CompleteRequest
	mu    sync.Mutex
}

func newHarness(t *testing.T, llmHandler http.HandlerFunc) *testHarness {
	t.Helper()

	sessions := session.NewMemoryRepository()
	fsmImpl := fsm.NewMemoryFSM()
	reg := registry.New(registry.NewMemoryCache(), nil)
	require.NoError(t, reg.RegisterBuiltin(t.Context(), "echo", echoBuiltin{}))
	bb := blackboard.NewMemoryBlackboard()
	eventRepo := newMemEventRepo()
	eventBus := bus.NewMemoryBus()
	guard := reliability.NewGuard(reliability.NewMemoryIdempotencyStore())
	fanIn := reliability.NewFanInChecker(eventRepo)
	abortFlags := reliability.NewMemoryAbortFlagStore()
	hardStop := reliability.NewHardStopper(abortFlags, bb, eventBus)

	flows := session.NewStaticFlowLoader()
	mgr := session.New(sessions, flows, fsmImpl, eventRepo, bb, eventBus, 30*time.Minute)

	disp := dispatcher.New(
		sessions, mgr, fsmImpl, reg, bb, eventRepo, eventBus,
		guard, fanIn, hardStop, engine.NewInMemoryExecutor(),
		dispatcher.StaticRetryPolicy{Policy: reliability.DefaultRetryPolicy},
		telemetry.NewNoopLogger(),
	)

	llmSrv := httptest.NewServer(llmHandler)
	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dataserviceclient.ParseResponse{DocumentID: "doc-1", Text: "parsed text"})
	}))
	t.Cleanup(func() { llmSrv.Close(); dataSrv.Close() })

	llm := llmclient.New(llmSrv.URL, "model")
	data := dataserviceclient.New(dataSrv.URL)

	tools := []agentcontroller.ToolNode{
		{Tool: llmclient.ToolDefinition{Name: "echo", Description: "echoes"}, NodeRef: "builtin://echo"},
	}
	ctrl := agentcontroller.New(llm, data, mgr, disp, eventBus, tools, 6)
	return &testHarness{ctrl: ctrl, llm: llmSrv, data: dataSrv}
}

func drain(t *testing.T, frames chan sse.Frame) []sse.Frame {
	t.Helper()
	var out []sse.Frame
	for f := range frames {
		out = append(out, f)
	}
	return out
}

func eventsOf(frames []sse.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestRun_DirectReply_StreamsMessageThenDone(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{Content: "hello there"})
	})

	frames := make(chan sse.Frame, 32)
	req := agentcontroller.ChatRequest{TenantID: "t1", UserID: "u1", Messages: []agentcontroller.Message{{Role: "user", Content: "hi"}}}
	h.ctrl.Run(t.Context(), req, frames)

	got := drain(t, frames)
	names := eventsOf(got)
	require.Equal(t, "session_init", names[0])
	require.Equal(t, "done", names[len(names)-1])
	require.Contains(t, names, "message")
}

func TestRun_ToolCall_EmitsToolStartUIRenderToolDoneThenReply(t *testing.T) {
	first := true
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var req llmclient.CompleteRequest
		json.NewDecoder(r.Body).Decode(&req)
		if first {
			first = false
			json.NewEncoder(w).Encode(llmclient.CompleteResponse{
				ToolCalls: []llmclient.ToolCall{{ID: "c1", Name: "echo", Payload: json.RawMessage(`{}`)}},
			})
			return
		}
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{Content: "done with tool"})
	})

	frames := make(chan sse.Frame, 32)
	req := agentcontroller.ChatRequest{TenantID: "t1", UserID: "u1", Messages: []agentcontroller.Message{{Role: "user", Content: "run echo"}}}
	h.ctrl.Run(t.Context(), req, frames)

	got := drain(t, frames)
	names := eventsOf(got)
	require.Contains(t, names, "tool_start")
	require.Contains(t, names, "ui_render")
	require.Contains(t, names, "tool_done")
	require.Equal(t, "done", names[len(names)-1])
}

func TestRun_FileAttachment_EmitsFileParserThinkingFrames(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{Content: "ok"})
	})

	frames := make(chan sse.Frame, 32)
	req := agentcontroller.ChatRequest{
		TenantID: "t1", UserID: "u1",
		Messages: []agentcontroller.Message{{
			Role: "user", Content: "see attached",
			Files: []agentcontroller.FileRef{{Name: "a.pdf", URL: "https://oss.example/a.pdf", Type: "application/pdf"}},
		}},
	}
	h.ctrl.Run(t.Context(), req, frames)

	got := drain(t, frames)
	var sawFileParserThinking int
	for _, f := range got {
		if f.Event != "thinking" {
			continue
		}
		raw, err := json.Marshal(f.Data)
		require.NoError(t, err)
		var tf struct {
			Step string `json:"step"`
		}
		require.NoError(t, json.Unmarshal(raw, &tf))
		if tf.Step == "file_parser" {
			sawFileParserThinking++
		}
	}
	require.GreaterOrEqual(t, sawFileParserThinking, 2)
}

func TestRun_ExceedsMaxToolIterations_EmitsErrorThenDone(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{
			ToolCalls: []llmclient.ToolCall{{ID: "c1", Name: "echo", Payload: json.RawMessage(`{}`)}},
		})
	})

	frames := make(chan sse.Frame, 256)
	req := agentcontroller.ChatRequest{TenantID: "t1", UserID: "u1", Messages: []agentcontroller.Message{{Role: "user", Content: "loop"}}}
	h.ctrl.Run(t.Context(), req, frames)

	got := drain(t, frames)
	names := eventsOf(got)
	require.Contains(t, names, "error")
	require.Equal(t, "done", names[len(names)-1])
}

func TestRun_UnknownSession_EmitsErrorThenDone(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{Content: "unreachable"})
	})

	frames := make(chan sse.Frame, 16)
	req := agentcontroller.ChatRequest{TenantID: "t1", UserID: "u1", SessionID: "does-not-exist", Messages: []agentcontroller.Message{{Role: "user", Content: "hi"}}}
	h.ctrl.Run(t.Context(), req, frames)

	got := drain(t, frames)
	names := eventsOf(got)
	require.Equal(t, "session_init", names[0])
	require.Contains(t, names, "error")
	require.Equal(t, "done", names[len(names)-1])
}

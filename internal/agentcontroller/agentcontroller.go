// Package agentcontroller implements the Agent Controller (spec section
// 4.8): the "think-call-tool-respond" loop bound to a single SSE chat
// turn. It decides which frames to emit and when; internal/sse owns how a
// frame reaches the wire.
//
// Each LLM-visible tool call is executed as an implicit single-node
// session (spec section 9's open question on implicit-session audit
// visibility is resolved in favor of recording one: every tool call runs
// through the Session Manager and Dispatcher exactly like an explicit
// flow step), so idempotency, retry, and fan-out all apply uniformly
// whether a node was reached via a flow or via chat.
package agentcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goa-ai-labs/agentflow/internal/apierror"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/llmclient"
	"github.com/goa-ai-labs/agentflow/internal/session"
	"github.com/goa-ai-labs/agentflow/internal/sse"
	"github.com/goa-ai-labs/agentflow/internal/uischema"
)

// defaultMaxToolIterations mirrors config.Config.MaxToolIterations' default
// (spec section 4.8: "At most N tool iterations per turn (default 6)").
const defaultMaxToolIterations = 6

// toolResultWait bounds how long the controller waits on the Event Bus for
// a dispatched tool's outcome before reporting it as an upstream error.
// There is no single spec-named budget for this; it is chosen to exceed
// every external deadline the Dispatcher itself might wait on (data
// service 120s) with headroom.
const toolResultWait = 150 * time.Second

// FileRef is one already-uploaded attachment referenced by a chat message
// (spec section 4.8, "optional file references").
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Message is one chat turn in the request payload.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Files   []FileRef `json:"files,omitempty"`
}

// ChatRequest is the decoded body of POST /api/agent/chat plus its
// tenant/user/trace headers.
type ChatRequest struct {
	TenantID    string
	UserID      string
	TraceID     string
	SessionID   string
	Messages    []Message
	PageContext json.RawMessage
}

// ToolNode binds an LLM-visible tool definition to the registry node
// reference the Dispatcher should execute when the model calls it (e.g.
// ToolDefinition.Name "search" -> NodeRef "builtin://search").
type ToolNode struct {
	Tool    llmclient.ToolDefinition
	NodeRef string
}

// Controller implements the Agent Controller.
type Controller struct {
	llm        *llmclient.Client
	data       *dataserviceclient.Client
	sessions   *session.Manager
	dispatcher *dispatcher.Dispatcher
	bus        bus.Bus
	tools      []ToolNode

	maxToolIterations int
	newID             func() string
}

// New constructs a Controller. maxToolIterations <= 0 falls back to the
// spec default of 6.
func New(llm *llmclient.Client, data *dataserviceclient.Client, sessions *session.Manager, disp *dispatcher.Dispatcher, eventBus bus.Bus, tools []ToolNode, maxToolIterations int) *Controller {
	if maxToolIterations <= 0 {
		maxToolIterations = defaultMaxToolIterations
	}
	return &Controller{
		llm:               llm,
		data:              data,
		sessions:          sessions,
		dispatcher:        disp,
		bus:               eventBus,
		tools:             tools,
		maxToolIterations: maxToolIterations,
		newID:             uuid.NewString,
	}
}

// Run drives one chat turn to completion, sending frames on out. Run
// always closes out before returning, whether it completes normally,
// hits the tool-iteration cap, or fails; the caller (internal/httpapi)
// is responsible for starting the SSE response and running the
// internal/sse.Writer that drains out.
//
// By the time Run is called the SSE response has already started (spec
// section 7: "Errors inside the Agent Controller before any frame is
// emitted surface as HTTP error responses" — that check happens in
// internal/httpapi before Run is invoked). Every error Run itself
// encounters is therefore reported as an error frame followed by done,
// never as an HTTP status.
func (c *Controller) Run(ctx context.Context, req ChatRequest, out chan<- sse.Frame) {
	defer close(out)

	send := func(event string, data any) bool {
		select {
		case out <- sse.Frame{Event: event, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sessionID, err := c.resolveSession(ctx, req)
	if err != nil {
		// No session_init has gone out yet; the protocol still requires
		// exactly one done. Emit a degenerate session_init so clients can
		// key off session_id consistently, then fail the turn.
		send("session_init", sessionInitFrame{SessionID: req.SessionID})
		c.fail(ctx, send, apierror.Wrap(apierror.SessionNotFound, req.TraceID, err))
		return
	}
	if !send("session_init", sessionInitFrame{SessionID: sessionID}) {
		return
	}

	messages := toLLMMessages(req.Messages)

	for _, m := range req.Messages {
		for _, f := range m.Files {
			notice := c.handleAttachment(ctx, req.TenantID, f, send)
			messages = append(messages, llmclient.Message{Role: "system", Content: notice})
		}
	}

	for iter := 0; iter < c.maxToolIterations; iter++ {
		if !send("thinking", thinkingFrame{Phase: "plan", Status: "running", Progress: 0}) {
			return
		}

		resp, err := c.llm.Complete(ctx, llmclient.CompleteRequest{
			Messages: messages,
			Tools:    toolDefs(c.tools),
		})
		if err != nil {
			c.fail(ctx, send, apierror.Wrap(apierror.UpstreamError, req.TraceID, err))
			return
		}

		if len(resp.ToolCalls) == 0 {
			send("thinking", thinkingFrame{Phase: "finalize", Status: "success", Progress: 100})
			messageID := c.newID()
			send("message", messageFrame{MessageID: messageID, Seq: 1, Mode: "full", Role: "assistant", Content: resp.Content})
			send("done", doneFrame{SessionID: sessionID})
			return
		}

		for _, tc := range resp.ToolCalls {
			result, outcome, err := c.invokeTool(ctx, req, tc, send)
			if err != nil {
				c.fail(ctx, send, apierror.Wrap(apierror.UpstreamError, req.TraceID, err))
				return
			}
			messages = append(messages,
				llmclient.Message{Role: "assistant", Content: fmt.Sprintf("tool_call:%s", tc.Name)},
				llmclient.Message{Role: "tool", Content: toolResultContent(outcome, result)},
			)
		}
	}

	c.fail(ctx, send, apierror.New(apierror.InternalError, req.TraceID, fmt.Sprintf("exceeded %d tool iterations", c.maxToolIterations)))
}

// resolveSession returns req.SessionID if set (after confirming it
// exists), or starts a new implicit chat session otherwise.
func (c *Controller) resolveSession(ctx context.Context, req ChatRequest) (string, error) {
	if req.SessionID != "" {
		if _, err := c.sessions.Load(ctx, req.SessionID); err != nil {
			return "", fmt.Errorf("agentcontroller: resolve session %s: %w", req.SessionID, err)
		}
		return req.SessionID, nil
	}
	sessionID, err := c.sessions.StartSingleNode(ctx, req.TenantID, "__chat__", nil)
	if err != nil {
		return "", fmt.Errorf("agentcontroller: start chat session: %w", err)
	}
	return sessionID, nil
}

// fail emits the SSE error/done pair that closes out a turn after the
// stream has already started.
func (c *Controller) fail(ctx context.Context, send func(string, any) bool, apiErr *apierror.Error) {
	if apiErr == nil {
		apiErr = apierror.New(apierror.InternalError, "", "unknown error")
	}
	if !send("error", errorFrame{Code: string(apiErr.Code), Message: apiErr.Message, Retryable: apiErr.Retryable(), TraceID: apiErr.TraceID}) {
		return
	}
	send("done", doneFrame{})
}

// handleAttachment parses one uploaded file via the external data service,
// blocking until parsed text is available or DefaultParseTimeout elapses,
// and returns a notice to fold into the LLM's context either way (spec
// section 4.8: "never hanging").
func (c *Controller) handleAttachment(ctx context.Context, tenantID string, f FileRef, send func(string, any) bool) string {
	send("thinking", thinkingFrame{Phase: "tool", Status: "running", Progress: 0, Step: "file_parser"})

	parseCtx, cancel := context.WithTimeout(ctx, dataserviceclient.DefaultParseTimeout)
	defer cancel()

	resp, err := c.data.Parse(parseCtx, dataserviceclient.ParseRequest{TenantID: tenantID, URL: f.URL, Name: f.Name, Type: f.Type})
	if err != nil {
		send("thinking", thinkingFrame{Phase: "tool", Status: "failed", Progress: 100, Step: "file_parser"})
		return fmt.Sprintf("Attached file %q was not parsed in time; proceed without its contents.", f.Name)
	}
	send("thinking", thinkingFrame{Phase: "tool", Status: "success", Progress: 100, Step: "file_parser"})
	return fmt.Sprintf("Attached file %q contents:\n%s", f.Name, resp.Text)
}

// invokeTool runs one LLM-requested tool call as an implicit single-node
// session and returns its NodeResult status/artifacts, relaying the
// node's ui_schema as a ui_render frame along the way.
func (c *Controller) invokeTool(ctx context.Context, req ChatRequest, tc llmclient.ToolCall, send func(string, any) bool) (dispatcher.NodeResult, string, error) {
	nodeRef := nodeRefFor(c.tools, tc.Name)
	if nodeRef == "" {
		return dispatcher.NodeResult{}, "", fmt.Errorf("agentcontroller: unknown tool %q", tc.Name)
	}

	runID := c.newID()
	send("tool_start", toolFrame{RunID: runID, Tool: tc.Name, Title: tc.Name, Status: "running", Progress: 0})

	toolSessionID, err := c.sessions.StartSingleNode(ctx, req.TenantID, nodeRef, tc.Payload)
	if err != nil {
		return dispatcher.NodeResult{}, "", fmt.Errorf("agentcontroller: start tool session: %w", err)
	}

	subCh, subErrCh, cancel, err := c.bus.Subscribe(ctx, req.TenantID)
	if err != nil {
		return dispatcher.NodeResult{}, "", fmt.Errorf("agentcontroller: subscribe bus: %w", err)
	}
	defer cancel()

	if err := c.dispatcher.DispatchInitial(ctx, toolSessionID, req.TraceID, dispatcher.NewTurn(runID)); err != nil {
		return dispatcher.NodeResult{}, "", fmt.Errorf("agentcontroller: dispatch %s: %w", nodeRef, err)
	}

	nr, err := c.awaitOutcome(ctx, subCh, subErrCh, toolSessionID)
	if err != nil {
		return dispatcher.NodeResult{}, "", err
	}

	if len(nr.UISchema) > 0 {
		validated, verr := uischema.Validate(nr.UISchema)
		if verr == nil {
			if env, derr := uischema.Decode(validated); derr == nil {
				send("ui_render", uiRenderFrame{
					SchemaVersion: 1,
					UIID:          toolSessionID,
					RenderMode:    "replace",
					Component:     string(env.Component),
					Data:          env.Data,
					Actions:       env.Actions,
				})
			}
		}
	}

	status := "success"
	if nr.Status != dispatcher.ResultSuccess {
		status = "failed"
	}
	send("tool_done", toolFrame{RunID: runID, Tool: tc.Name, Title: tc.Name, Status: status, Progress: 100})

	return nr, status, nil
}

// awaitOutcome drains the bus subscription for toolSessionID's terminal
// event, decoding its NodeResult payload. Builtin node execution runs
// synchronously inside DispatchInitial, so by the time DispatchInitial
// returns the corresponding event has already been published; this only
// waits for it to arrive on the subscription channel.
func (c *Controller) awaitOutcome(ctx context.Context, subCh <-chan events.Event, errCh <-chan error, toolSessionID string) (dispatcher.NodeResult, error) {
	deadline := time.NewTimer(toolResultWait)
	defer deadline.Stop()
	for {
		select {
		case evt, ok := <-subCh:
			if !ok {
				return dispatcher.NodeResult{}, fmt.Errorf("agentcontroller: bus subscription closed awaiting %s", toolSessionID)
			}
			if evt.SessionID != toolSessionID {
				continue
			}
			switch evt.Type {
			case events.StepDone, events.EventError, events.NeedUserInput, events.EventAborted:
				var nr dispatcher.NodeResult
				if err := json.Unmarshal(evt.Payload, &nr); err != nil {
					return dispatcher.NodeResult{}, fmt.Errorf("agentcontroller: decode node result for %s: %w", toolSessionID, err)
				}
				return nr, nil
			}
		case err := <-errCh:
			if err != nil {
				return dispatcher.NodeResult{}, fmt.Errorf("agentcontroller: bus subscription error: %w", err)
			}
		case <-deadline.C:
			return dispatcher.NodeResult{}, fmt.Errorf("agentcontroller: timed out waiting for %s outcome", toolSessionID)
		case <-ctx.Done():
			return dispatcher.NodeResult{}, ctx.Err()
		}
	}
}

func nodeRefFor(tools []ToolNode, name string) string {
	for _, t := range tools {
		if t.Tool.Name == name {
			return t.NodeRef
		}
	}
	return ""
}

func toolDefs(tools []ToolNode) []llmclient.ToolDefinition {
	defs := make([]llmclient.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Tool)
	}
	return defs
}

func toLLMMessages(in []Message) []llmclient.Message {
	out := make([]llmclient.Message, 0, len(in))
	for _, m := range in {
		out = append(out, llmclient.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func toolResultContent(status string, nr dispatcher.NodeResult) string {
	if status != "success" {
		return fmt.Sprintf("tool failed: %s", nr.Error)
	}
	raw, _ := json.Marshal(nr.Artifacts)
	return string(raw)
}

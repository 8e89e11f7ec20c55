// Package dispatcher implements the Dispatcher (spec section 4.6): the sole
// writer of node-execution state transitions and their event records. For
// each incoming (sessionID, triggerEvent), it runs the abort check, FSM
// advance, node resolution, fan-in check, idempotency gate, execution, and
// finalize steps in order, recursing into the next transition when a node
// completes successfully.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/engine"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
	"github.com/goa-ai-labs/agentflow/internal/fsm"
	"github.com/goa-ai-labs/agentflow/internal/policy"
	"github.com/goa-ai-labs/agentflow/internal/registry"
	"github.com/goa-ai-labs/agentflow/internal/reliability"
	"github.com/goa-ai-labs/agentflow/internal/session"
	"github.com/goa-ai-labs/agentflow/internal/telemetry"
)

// ResultStatus is the outcome a node reports in its NodeResult payload
// (spec section 4.6, "State machine of an execution attempt").
type ResultStatus string

const (
	ResultSuccess       ResultStatus = "success"
	ResultError         ResultStatus = "error"
	ResultNeedUserInput ResultStatus = "need_user_input"
	ResultAborted       ResultStatus = "aborted"
)

// NodeResult is the JSON shape every builtin and webhook node returns (spec
// section 3, "NodeResult"). Artifacts are persisted to the Blackboard keyed
// by their map key; UISchema is relayed to the Agent Controller as-is.
type NodeResult struct {
	Status    ResultStatus               `json:"status"`
	Artifacts map[string]json.RawMessage `json:"artifacts,omitempty"`
	UISchema  json.RawMessage            `json:"ui_schema,omitempty"`
	Error     string                     `json:"error,omitempty"`
	// RetryHint lets a failing node attach structured retry guidance
	// instead of a bare Error string (SPEC_FULL supplemented feature:
	// retry-hint propagation); InvokeNode surfaces it onto the next
	// engine.Executor attempt's backoff computation.
	RetryHint *reliability.RetryHint `json:"retry_hint,omitempty"`
}

// FlowResolver resolves the Flow Definition governing a session, sharing
// the Session Manager's cache for implicit single-node sessions.
type FlowResolver interface {
	ResolveFlow(ctx context.Context, sessionID, flowID string) (*flow.Definition, error)
}

// EventRepository is the durable audit log the Dispatcher appends to and
// the Fan-In Checker reads from (spec section 3, "Event").
type EventRepository interface {
	Append(ctx context.Context, e events.Event) error
	LastEventForStep(ctx context.Context, sessionID, step string) (events.Event, bool, error)
}

// RetryPolicyResolver looks up the per-node retry policy (spec section
// 4.7). StaticRetryPolicy wraps a constant policy for deployments that
// don't vary it per node.
type RetryPolicyResolver interface {
	RetryPolicyFor(nodeRef string) reliability.RetryPolicy
}

// StaticRetryPolicy returns the same RetryPolicy for every node_ref.
type StaticRetryPolicy struct {
	Policy reliability.RetryPolicy
}

// RetryPolicyFor implements RetryPolicyResolver.
func (s StaticRetryPolicy) RetryPolicyFor(string) reliability.RetryPolicy {
	return s.Policy
}

// MaxConflictRetries is the default bound on FSM CAS retries before a
// transition fails with INVALID_TRANSITION (spec section 4.6, step 2).
const MaxConflictRetries = 3

// Dispatcher is the Dispatcher.
type Dispatcher struct {
	sessions     session.Repository
	flows        FlowResolver
	fsmImpl      fsm.FSM
	registry     *registry.Registry
	blackboard   blackboard.Blackboard
	events       EventRepository
	bus          bus.Bus
	guard        *reliability.Guard
	fanIn        *reliability.FanInChecker
	hardStop     *reliability.HardStopper
	executor     engine.Executor
	policies     RetryPolicyResolver
	policyEngine policy.Engine
	logger       telemetry.Logger
	now          func() time.Time

	webhookClient *http.Client
	callbackBase  string

	tickMu   sync.Mutex
	nextTick map[string]int64
}

// New constructs a Dispatcher wiring together every reliability mechanism
// and the durable execution Executor.
func New(
	sessions session.Repository,
	flows FlowResolver,
	fsmImpl fsm.FSM,
	nodeRegistry *registry.Registry,
	bb blackboard.Blackboard,
	eventRepo EventRepository,
	eventBus bus.Bus,
	guard *reliability.Guard,
	fanIn *reliability.FanInChecker,
	hardStop *reliability.HardStopper,
	executor engine.Executor,
	policies RetryPolicyResolver,
	logger telemetry.Logger,
) *Dispatcher {
	return &Dispatcher{
		sessions:      sessions,
		flows:         flows,
		fsmImpl:       fsmImpl,
		registry:      nodeRegistry,
		blackboard:    bb,
		events:        eventRepo,
		bus:           eventBus,
		guard:         guard,
		fanIn:         fanIn,
		hardStop:      hardStop,
		executor:      executor,
		policies:      policies,
		policyEngine:  policy.AllowAll{},
		logger:        logger,
		now:           time.Now,
		callbackBase:  "http://localhost:8080",
		webhookClient: &http.Client{Timeout: WebhookTimeout},
		nextTick:      make(map[string]int64),
	}
}

// tick returns the next monotonically increasing tick for sessionID (spec
// section 3, "a monotonic tick per session"; section 8 invariant 2). It
// mirrors the teacher's per-run nextSeq counter, keyed by session instead
// of run.
func (d *Dispatcher) tick(sessionID string) int64 {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	t := d.nextTick[sessionID] + 1
	d.nextTick[sessionID] = t
	return t
}

// Turn scopes a chain of Dispatch/DispatchInitial calls to one logical
// controller turn — one LLM planning step driving one tool invocation and
// everything that invocation's dispatch chain appends (SPEC_FULL
// supplemented feature: turn-scoped event sequencing; teacher: baseEvent's
// TurnID()/SeqInTurn()). A nil *Turn means "not part of a controller
// turn" (the ordinary workflow HTTP surface), in which case appended
// events carry an empty TurnID and SeqInTurn 0. Turn is not safe for
// concurrent use: the Dispatcher only ever threads one through a single,
// sequential recursive call chain, never across goroutines.
type Turn struct {
	id  string
	seq int64
}

// NewTurn starts a turn identified by id. internal/agentcontroller creates
// one per LLM-requested tool call and passes it into DispatchInitial.
func NewTurn(id string) *Turn {
	return &Turn{id: id}
}

// next returns this turn's id and the next strictly increasing SeqInTurn,
// or ("", 0) for a nil Turn.
func (t *Turn) next() (string, int) {
	if t == nil {
		return "", 0
	}
	t.seq++
	return t.id, int(t.seq)
}

// WithClock overrides the Dispatcher's clock, for deterministic tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithCallbackBase overrides the base URL webhook nodes are told to call
// back to (spec section 4.6, step 6's "callbackUrl").
func (d *Dispatcher) WithCallbackBase(base string) *Dispatcher {
	d.callbackBase = base
	return d
}

// WithPolicyEngine overrides the Engine consulted before a builtin node
// runs (SPEC_FULL supplemented feature: policy-gated tool availability).
// The default, policy.AllowAll, permits every tenant/node_ref pair.
func (d *Dispatcher) WithPolicyEngine(e policy.Engine) *Dispatcher {
	d.policyEngine = e
	return d
}

// ErrNodeDisallowed is returned by execute when the policy Engine vetoes a
// builtin node for the session's tenant; internal/httpapi surfaces this as
// INVALID_TRANSITION, the same code a rejected FSM transition uses.
var ErrNodeDisallowed = fmt.Errorf("dispatcher: node disallowed by policy")

// HardStop flags sessionID as aborted (spec section 4.7), for
// internal/httpapi's DELETE /api/workflow/{session} handler. The Dispatcher
// is the natural facade for this since it already holds the HardStopper
// every transition's step 1 abort check consults.
func (d *Dispatcher) HardStop(ctx context.Context, tenantID, sessionID, reason, traceID string) error {
	return d.hardStop.Abort(ctx, tenantID, sessionID, reason, traceID)
}

// ErrSessionNotPaused is returned by Resume when the target session is not
// currently paused.
var ErrSessionNotPaused = fmt.Errorf("dispatcher: session is not paused")

// ErrSessionPaused is returned by Dispatch when sessionID is paused;
// internal/httpapi surfaces it as a 409 INVALID_TRANSITION.
var ErrSessionPaused = fmt.Errorf("dispatcher: session is paused")

// Pause implements the PAUSE control-plane call (spec.md §3's PAUSE control
// event), mirroring the
// teacher's interrupt.Controller pause-signal pattern: it marks sessionID
// paused in the durable Session Repository, records who asked and why, and
// publishes a PAUSE audit event. A paused session's Dispatch calls are
// refused until Resume is called.
func (d *Dispatcher) Pause(ctx context.Context, tenantID, sessionID, requestedBy, reason, traceID string) error {
	sess, err := d.sessions.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: pause load %s: %w", sessionID, err)
	}
	sess.Status = session.StatusPaused
	sess.PauseRequestedBy = requestedBy
	sess.PauseReason = reason
	sess.UpdatedAt = d.now()
	if err := d.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("dispatcher: pause update %s: %w", sessionID, err)
	}
	return d.appendAndPublish(ctx, sess, events.Pause, nil, sess.CurrentState, sess.CurrentState, traceID, nil)
}

// Resume implements the RESUME control-plane call, the inverse of Pause: it
// requires sessionID to currently be paused, clears the pause audit fields,
// and returns it to StatusRunning so the next Dispatch call proceeds
// normally.
func (d *Dispatcher) Resume(ctx context.Context, tenantID, sessionID, requestedBy, traceID string) error {
	sess, err := d.sessions.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: resume load %s: %w", sessionID, err)
	}
	if sess.Status != session.StatusPaused {
		return fmt.Errorf("dispatcher: resume %s: %w", sessionID, ErrSessionNotPaused)
	}
	sess.Status = session.StatusRunning
	sess.PauseRequestedBy = ""
	sess.PauseReason = ""
	sess.UpdatedAt = d.now()
	if err := d.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("dispatcher: resume update %s: %w", sessionID, err)
	}
	return d.appendAndPublish(ctx, sess, events.Resume, nil, sess.CurrentState, sess.CurrentState, traceID, nil)
}

// Dispatch runs the 8-step dispatch algorithm for one (sessionID,
// triggerEvent) pair (spec section 4.6). traceID correlates every event
// this call appends with the request that caused it (spec section 3,
// section 4.6 step 7); callers that have no trace of their own (internal
// retries recursing back into Dispatch) thread the one they were given.
// turn is non-nil only when this call is part of an agent controller tool
// invocation's dispatch chain (SPEC_FULL supplemented feature: turn-scoped
// event sequencing); ordinary workflow HTTP calls pass nil.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, triggerEvent events.Type, traceID string, turn *Turn) error {
	sess, err := d.sessions.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: load session %s: %w", sessionID, err)
	}
	if sess.Status == session.StatusPaused && triggerEvent != events.Resume {
		return ErrSessionPaused
	}

	// Step 1: abort check.
	aborted, err := d.hardStop.IsAborted(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: abort check %s: %w", sessionID, err)
	}
	if aborted {
		return d.appendAndPublish(ctx, sess, events.EventAborted, nil, sess.CurrentState, sess.CurrentState, traceID, turn)
	}

	def, err := d.flows.ResolveFlow(ctx, sessionID, sess.FlowID)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve flow for %s: %w", sessionID, err)
	}

	// Step 2: FSM advance, retried on conflict up to MaxConflictRetries.
	oldState := sess.CurrentState
	newState, err := d.advanceWithRetry(ctx, sessionID, def, triggerEvent)
	if err != nil {
		return fmt.Errorf("dispatcher: advance %s: %w", sessionID, err)
	}

	if err := d.commitState(ctx, &sess, newState); err != nil {
		return err
	}

	// Step 3: resolve node for the new state.
	if def.IsUserInputState(newState) {
		sess.Status = session.StatusWaitingUser
		if err := d.sessions.Update(ctx, sess); err != nil {
			return fmt.Errorf("dispatcher: update %s: %w", sessionID, err)
		}
		return d.appendAndPublish(ctx, sess, events.NeedUserInput, nil, oldState, newState, traceID, turn)
	}

	nodeRef, hasNode := def.NodeRef(newState)
	if !hasNode {
		// A state with no mapped node (e.g. a pass-through or terminal
		// state) simply completes the transition; nothing to execute.
		return nil
	}

	// Step 4: fan-in check.
	if def.FanInFor(oldState, string(triggerEvent), newState) {
		ready, err := d.fanIn.Ready(ctx, sessionID, def.FanInPrerequisites(newState))
		if err != nil {
			return fmt.Errorf("dispatcher: fan-in check %s: %w", sessionID, err)
		}
		if !ready {
			return d.appendAndPublish(ctx, sess, events.EventPendingFanin, nil, oldState, newState, traceID, turn)
		}
	}

	return d.execute(ctx, sess, newState, nodeRef, traceID, turn)
}

// DispatchInitial runs steps 3–8 against a session's current state without
// an FSM transition: internal/httpapi's workflow start handler and the
// Agent Controller's tool invocation call this once, immediately after
// StartFlow/StartSingleNode, so the initial state's own mapped node
// (if any) executes without requiring a synthetic triggering event (spec
// section 4.5, "StartFlow ... returns immediately" describes session
// creation; first execution is this call). turn is non-nil only for an
// agent controller tool invocation (SPEC_FULL supplemented feature:
// turn-scoped event sequencing).
func (d *Dispatcher) DispatchInitial(ctx context.Context, sessionID, traceID string, turn *Turn) error {
	sess, err := d.sessions.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: load session %s: %w", sessionID, err)
	}

	aborted, err := d.hardStop.IsAborted(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: abort check %s: %w", sessionID, err)
	}
	if aborted {
		return d.appendAndPublish(ctx, sess, events.EventAborted, nil, sess.CurrentState, sess.CurrentState, traceID, turn)
	}

	def, err := d.flows.ResolveFlow(ctx, sessionID, sess.FlowID)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve flow for %s: %w", sessionID, err)
	}

	state := sess.CurrentState
	if def.IsUserInputState(state) {
		sess.Status = session.StatusWaitingUser
		if err := d.sessions.Update(ctx, sess); err != nil {
			return fmt.Errorf("dispatcher: update %s: %w", sessionID, err)
		}
		return d.appendAndPublish(ctx, sess, events.NeedUserInput, nil, state, state, traceID, turn)
	}

	nodeRef, hasNode := def.NodeRef(state)
	if !hasNode {
		return nil
	}
	return d.execute(ctx, sess, state, nodeRef, traceID, turn)
}

// advanceWithRetry calls AdvanceAtomic, retrying on *fsm.ConflictError up to
// MaxConflictRetries times before giving up (spec section 4.6, step 2).
func (d *Dispatcher) advanceWithRetry(ctx context.Context, sessionID string, def *flow.Definition, triggerEvent events.Type) (string, error) {
	var lastErr error
	for i := 0; i < MaxConflictRetries; i++ {
		newState, err := d.fsmImpl.AdvanceAtomic(ctx, sessionID, def, triggerEvent)
		if err == nil {
			return newState, nil
		}
		var conflict *fsm.ConflictError
		if !isConflict(err, &conflict) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("invalid transition after %d conflict retries: %w", MaxConflictRetries, lastErr)
}

func isConflict(err error, target **fsm.ConflictError) bool {
	c, ok := err.(*fsm.ConflictError)
	if ok {
		*target = c
	}
	return ok
}

// commitState persists the session's new FSM state and status projection.
func (d *Dispatcher) commitState(ctx context.Context, sess *session.Session, newState string) error {
	now := d.now()
	sess.CurrentState = newState
	sess.UpdatedAt = now
	if flow.IsTerminal(newState) {
		sess.CompletedAt = &now
		if newState == "error" {
			sess.Status = session.StatusError
		} else if newState == "aborted" {
			sess.Status = session.StatusAborted
		} else {
			sess.Status = session.StatusCompleted
		}
	} else {
		sess.Status = session.StatusRunning
	}
	if err := d.sessions.Update(ctx, *sess); err != nil {
		return fmt.Errorf("dispatcher: update session %s: %w", sess.ID, err)
	}
	return nil
}

// execute runs step 5 onward: the idempotency gate, execution via the
// Executor/NodeInvoker pair, and recording/fan-out of the result.
func (d *Dispatcher) execute(ctx context.Context, sess session.Session, state, nodeRef, traceID string, turn *Turn) error {
	resolution, err := d.registry.Resolve(nodeRef)
	if err != nil {
		return d.recordFailure(ctx, sess, state, fmt.Sprintf("resolve %s: %v", nodeRef, err), traceID, turn)
	}

	if resolution.Kind == registry.KindBuiltin {
		allowed, reason, err := d.policyEngine.Allow(ctx, sess.TenantID, nodeRef)
		if err != nil {
			return d.recordFailure(ctx, sess, state, fmt.Sprintf("policy check %s: %v", nodeRef, err), traceID, turn)
		}
		if !allowed {
			return fmt.Errorf("dispatcher: node %s disallowed for tenant %s (%s): %w", nodeRef, sess.TenantID, reason, ErrNodeDisallowed)
		}
	}

	switch resolution.Kind {
	case registry.KindWebhook:
		return d.executeWebhook(ctx, sess, state, nodeRef, resolution, traceID, turn)
	default:
		return d.executeBuiltin(ctx, sess, state, nodeRef, traceID, turn)
	}
}

// executeBuiltin runs steps 5–8 for a builtin node via the Executor, which
// retries InvokeNode per the node's RetryPolicy. The session's start params
// are passed through unchanged; nodes that need upstream results read them
// from the Blackboard via their own handle.
func (d *Dispatcher) executeBuiltin(ctx context.Context, sess session.Session, state, nodeRef, traceID string, turn *Turn) error {
	req := engine.Request{SessionID: sess.ID, TenantID: sess.TenantID, Step: state, NodeRef: nodeRef, Params: sess.Params}
	policy := d.policies.RetryPolicyFor(nodeRef)

	result, _, err := d.executor.Execute(ctx, req, 1, policy, d)
	if err != nil {
		return d.recordFailure(ctx, sess, state, err.Error(), traceID, turn)
	}

	var nr NodeResult
	if err := json.Unmarshal(result.Payload, &nr); err != nil {
		return d.recordFailure(ctx, sess, state, fmt.Sprintf("decode result: %v", err), traceID, turn)
	}
	return d.recordOutcome(ctx, sess, state, nr, traceID, turn)
}

// InvokeNode implements engine.NodeInvoker: it runs steps 5 (idempotency
// gate) and 6 (builtin execution) for one attempt, recording the
// idempotency record's start and finish around the call.
func (d *Dispatcher) InvokeNode(ctx context.Context, req engine.Request) (engine.NodeResult, error) {
	decision, err := d.guard.Before(ctx, req.SessionID, req.Step, req.Attempt)
	if err != nil {
		return engine.NodeResult{Retryable: true}, fmt.Errorf("dispatcher: idempotency before %s/%s/%d: %w", req.SessionID, req.Step, req.Attempt, err)
	}
	if decision == reliability.DecisionSkip {
		return engine.NodeResult{Payload: json.RawMessage(`{"status":"success"}`)}, nil
	}

	resolution, err := d.registry.Resolve(req.NodeRef)
	if err != nil {
		_ = d.guard.After(ctx, req.SessionID, req.Step, req.Attempt, reliability.StatusError, "")
		return engine.NodeResult{Retryable: false}, fmt.Errorf("dispatcher: resolve %s: %w", req.NodeRef, err)
	}
	if resolution.Kind != registry.KindBuiltin {
		return engine.NodeResult{Retryable: false}, fmt.Errorf("dispatcher: %s is not a builtin node", req.NodeRef)
	}

	raw, invokeErr := resolution.Builtin.Invoke(ctx, req.SessionID, req.Params)
	if invokeErr != nil {
		_ = d.guard.After(ctx, req.SessionID, req.Step, req.Attempt, reliability.StatusError, "")
		return engine.NodeResult{Retryable: true}, fmt.Errorf("dispatcher: invoke %s: %w", req.NodeRef, invokeErr)
	}

	var nr NodeResult
	if err := json.Unmarshal(raw, &nr); err != nil {
		_ = d.guard.After(ctx, req.SessionID, req.Step, req.Attempt, reliability.StatusError, "")
		return engine.NodeResult{Retryable: false}, fmt.Errorf("dispatcher: decode result from %s: %w", req.NodeRef, err)
	}

	if nr.Status == ResultError {
		_ = d.guard.After(ctx, req.SessionID, req.Step, req.Attempt, reliability.StatusError, nr.Error)
		return engine.NodeResult{Payload: raw, Retryable: true, RetryHint: nr.RetryHint}, fmt.Errorf("dispatcher: node %s reported error: %s", req.NodeRef, nr.Error)
	}

	digest := digestOf(raw)
	if err := d.guard.After(ctx, req.SessionID, req.Step, req.Attempt, reliability.StatusSuccess, digest); err != nil {
		return engine.NodeResult{Payload: raw}, fmt.Errorf("dispatcher: idempotency after %s/%s/%d: %w", req.SessionID, req.Step, req.Attempt, err)
	}
	return engine.NodeResult{Payload: raw}, nil
}

var _ engine.NodeInvoker = (*Dispatcher)(nil)

// recordOutcome implements step 7/8 for a completed invocation: persist
// artifacts, append the audit event, publish it, and advance the FSM per
// the result's status.
func (d *Dispatcher) recordOutcome(ctx context.Context, sess session.Session, state string, nr NodeResult, traceID string, turn *Turn) error {
	for id, data := range nr.Artifacts {
		if err := d.blackboard.WriteArtifact(ctx, sess.ID, id, data); err != nil {
			return fmt.Errorf("dispatcher: write artifact %s/%s: %w", sess.ID, id, err)
		}
	}

	// The audit event type on success must be StepDone, not a bespoke
	// "result" type: the Fan-In Checker's Ready only recognizes a
	// prerequisite as satisfied when its last recorded event has this exact
	// type (spec section 4.7, "ready ... iff its last recorded event ...
	// is STEP_DONE with status=success").
	var eventType events.Type
	switch nr.Status {
	case ResultSuccess:
		eventType = events.StepDone
	case ResultNeedUserInput:
		eventType = events.NeedUserInput
	case ResultAborted:
		eventType = events.EventAborted
	default:
		eventType = events.EventError
	}
	payload, _ := json.Marshal(nr)
	if err := d.appendAndPublish(ctx, sess, eventType, payload, state, state, traceID, turn); err != nil {
		return err
	}

	switch nr.Status {
	case ResultSuccess:
		return d.Dispatch(ctx, sess.ID, events.StepDone, traceID, turn)
	case ResultNeedUserInput:
		return d.Dispatch(ctx, sess.ID, events.NeedUserInput, traceID, turn)
	case ResultAborted:
		return nil
	default:
		return d.Dispatch(ctx, sess.ID, events.EventError, traceID, turn)
	}
}

// recordFailure implements step 7/8 for an invocation the Executor could
// not complete even after retrying (a transport error or an exhausted
// retry budget): append EVENT_ERROR and drive the FSM to "error".
func (d *Dispatcher) recordFailure(ctx context.Context, sess session.Session, state, reason, traceID string, turn *Turn) error {
	payload, _ := json.Marshal(NodeResult{Status: ResultError, Error: reason})
	if err := d.appendAndPublish(ctx, sess, events.EventError, payload, state, state, traceID, turn); err != nil {
		return err
	}
	return d.Dispatch(ctx, sess.ID, events.EventError, traceID, turn)
}

// appendAndPublish is the only place the Dispatcher constructs an
// events.Event: every record gets its session's next Tick (spec section 3,
// "a monotonic tick per session"; section 8 invariant 2 — non-decreasing
// (Tick, CreatedAt) within a session) and the traceID of the request that
// caused it (spec section 3's "trace identifier", section 4.6 step 7,
// section 7's trace_id propagation).
func (d *Dispatcher) appendAndPublish(ctx context.Context, sess session.Session, eventType events.Type, payload json.RawMessage, fromState, toState, traceID string, turn *Turn) error {
	priority := events.PriorityNormal
	if eventType == events.Pause || eventType == events.Resume {
		priority = events.PriorityHigh
	}
	turnID, seqInTurn := turn.next()
	evt := events.Event{
		ID:        uuid.NewString(),
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		Type:      eventType,
		FromState: fromState,
		ToState:   toState,
		Tick:      d.tick(sess.ID),
		TraceID:   traceID,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: d.now(),
		TurnID:    turnID,
		SeqInTurn: seqInTurn,
	}
	if err := d.events.Append(ctx, evt); err != nil {
		return fmt.Errorf("dispatcher: append event %s: %w", sess.ID, err)
	}
	if err := d.bus.Publish(ctx, sess.TenantID, evt); err != nil {
		return fmt.Errorf("dispatcher: publish event %s: %w", sess.ID, err)
	}
	return nil
}

// digestOf computes a content digest of a NodeResult payload for the
// Idempotency Guard's record (spec section 3, "Idempotency Record").
func digestOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

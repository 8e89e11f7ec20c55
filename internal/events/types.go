// Package events defines the append-only audit event envelope published on
// the Event Bus and persisted to the Event Repository (spec section 3,
// "Event", and section 6, "Event envelope").
package events

// Type enumerates the domain event types fed to or emitted by the FSM and
// Dispatcher. Control events (USER_CONFIRM, USER_MODIFY, USER_ROLLBACK,
// ABORT, RETRY, RESET) drive FSM transitions; PAUSE and RESUME are control
// events handled by the Dispatcher's Pause/Resume without an FSM
// transition; the remainder are Dispatcher-emitted audit/telemetry events.
type Type string

const (
	// StepDone marks successful completion of a node execution.
	StepDone Type = "STEP_DONE"
	// UserConfirm is a control event: the user confirmed a pending step.
	UserConfirm Type = "USER_CONFIRM"
	// UserModify is a control event: the user supplied a modification.
	UserModify Type = "USER_MODIFY"
	// UserRollback is a control event: the user asked to roll back to a
	// prior state (supports cyclic flow graphs, e.g. modify_done -> modify).
	UserRollback Type = "USER_ROLLBACK"
	// Abort is a control event requesting a hard stop.
	Abort Type = "ABORT"
	// Pause is a control event requesting the session be suspended.
	Pause Type = "PAUSE"
	// Resume is a control event requesting a paused session continue.
	Resume Type = "RESUME"
	// Retry is a control event requesting the current step be retried.
	Retry Type = "RETRY"
	// Reset is the only control event permitted to leave a terminal FSM state.
	Reset Type = "RESET"

	// EventResult names a node-result event. No code path in this runtime
	// emits it: a successful node invocation is recorded as STEP_DONE.
	EventResult Type = "EVENT_RESULT"
	// EventError is emitted after a node invocation fails.
	EventError Type = "EVENT_ERROR"
	// EventAborted is emitted when a hard-stopped session refuses further work.
	EventAborted Type = "EVENT_ABORTED"
	// EventPendingFanin is emitted when a fan-in transition's prerequisites
	// are not yet satisfied.
	EventPendingFanin Type = "EVENT_PENDING_FANIN"
	// StateTransition records an FSM state change (from_state -> to_state).
	StateTransition Type = "STATE_TRANSITION"
	// NeedUserInput is emitted when the session enters a user_input_state.
	NeedUserInput Type = "NEED_USER_INPUT"
	// Ping names a heartbeat event type. No code path in this runtime
	// publishes or appends it; SSE heartbeats are internal/sse ping frames.
	Ping Type = "PING"
)

// Priority orders events for callers that want best-effort prioritized
// delivery; the bus itself only guarantees per-publisher ordering.
type Priority int

const (
	// PriorityNormal is the default priority for audit events.
	PriorityNormal Priority = 0
	// PriorityHigh is used for control events (ABORT, PAUSE) that should be
	// observed by subscribers ahead of routine step completions when a
	// consumer chooses to prioritize.
	PriorityHigh Priority = 10
)

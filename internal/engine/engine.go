// Package engine abstracts durable node-invocation execution for the
// Dispatcher's retry-with-backoff step (spec section 4.6, step 8; section
// 4.7, "Retry Policy"). It mirrors the shape of the teacher's own workflow
// engine abstraction (runtime/agent/engine), but scoped to a single
// operation — run one node invocation, retrying per policy — rather than
// the teacher's full workflow/activity/signal surface, since the
// Dispatcher drives a synchronous per-transition algorithm rather than a
// long-lived workflow function.
package engine

import (
	"context"

	"github.com/goa-ai-labs/agentflow/internal/reliability"
)

// NodeResult is the outcome of one invocation attempt. Retryable
// distinguishes transient failures (network errors, upstream 5xx) from
// permanent ones (validation errors) the Executor should not retry even if
// attempts remain.
type NodeResult struct {
	Payload   []byte
	Retryable bool
	// RetryHint carries the failed attempt's structured retry guidance, if
	// the node supplied one, letting the Executor's backoff react to why
	// the attempt failed (SPEC_FULL supplemented feature: retry-hint
	// propagation).
	RetryHint *reliability.RetryHint
}

// Request identifies the node invocation to run: Dispatcher has already
// resolved node_ref to a Kind via the Node Registry by the time it builds
// a Request (spec section 4.6, step 3); the Executor only needs enough to
// invoke it and, for TemporalExecutor, enough to serialize it as workflow
// input.
type Request struct {
	SessionID string
	TenantID  string
	Step      string // the FSM state this invocation executes
	NodeRef   string
	Params    []byte
	// Attempt is the 1-indexed attempt number this invocation represents,
	// used as the third component of the Idempotency Guard's
	// (sessionID, step, attempt) key. The Executor sets it before each
	// call to NodeInvoker.InvokeNode; callers constructing the initial
	// Request need not set it themselves.
	Attempt int
}

// NodeInvoker performs exactly one node invocation attempt: resolving
// NodeRef through the Node Registry and calling the builtin in-process or
// POSTing to the webhook. Implementations are supplied by
// internal/dispatcher and must be safe to call repeatedly for the same
// Request (each call is a distinct attempt).
type NodeInvoker interface {
	InvokeNode(ctx context.Context, req Request) (NodeResult, error)
}

// Executor runs one node invocation via invoker, retrying on error per
// policy with exponential backoff, and returns the final result (or the
// last error once attempts are exhausted) along with the attempt number
// reached.
type Executor interface {
	Execute(ctx context.Context, req Request, attempt int, policy reliability.RetryPolicy, invoker NodeInvoker) (NodeResult, int, error)
}

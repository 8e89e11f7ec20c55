package engine

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/goa-ai-labs/agentflow/internal/reliability"
)

// WorkflowName and ActivityName are the Temporal registration names for
// the single-activity workflow TemporalExecutor drives. One workflow
// execution corresponds to one Dispatcher retry sequence for one
// (session, step) pair, so a process restart mid-retry resumes from
// Temporal's own replay rather than losing the attempt count.
const (
	WorkflowName = "agentflow.InvokeNodeWorkflow"
	ActivityName = "agentflow.InvokeNodeActivity"
)

// TemporalExecutor is the durable Executor: it starts (or, for an already
// running invocation, reuses) a Temporal workflow that executes the node
// invocation as a single activity with a converted temporal.RetryPolicy,
// then blocks for the workflow's result. This mirrors the teacher's own
// convertRetryPolicy (runtime/agent/engine/temporal/workflow_context.go),
// narrowed to the Dispatcher's single-activity use case rather than the
// teacher's general-purpose WorkflowContext.
type TemporalExecutor struct {
	client    client.Client
	taskQueue string
}

// NewTemporalExecutor constructs a TemporalExecutor over an existing
// Temporal client.
func NewTemporalExecutor(c client.Client, taskQueue string) *TemporalExecutor {
	return &TemporalExecutor{client: c, taskQueue: taskQueue}
}

// RegisterWith registers the workflow and activity on w. invoker is closed
// over by the activity handler: Temporal activities may capture process
// state (unlike workflow code, which must stay deterministic), so this is
// safe as long as invoker is stable for the worker's lifetime.
func RegisterWith(w worker.Worker, invoker NodeInvoker) {
	w.RegisterWorkflowWithOptions(invokeNodeWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(func(ctx context.Context, req Request) (NodeResult, error) {
		req.Attempt = int(activity.GetInfo(ctx).Attempt)
		return invoker.InvokeNode(ctx, req)
	}, activity.RegisterOptions{Name: ActivityName})
}

// invokeNodeWorkflow is the deterministic workflow body: it schedules the
// activity once with the caller-supplied retry policy and returns its
// result. All retry/backoff logic lives in Temporal's own activity retry
// machinery, not in this function.
func invokeNodeWorkflow(ctx workflow.Context, req Request, policy reliability.RetryPolicy) (NodeResult, error) {
	opts := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         convertRetryPolicy(policy),
	}
	ctx = workflow.WithActivityOptions(ctx, opts)

	var result NodeResult
	err := workflow.ExecuteActivity(ctx, ActivityName, req).Get(ctx, &result)
	return result, err
}

// convertRetryPolicy maps reliability.RetryPolicy onto Temporal's own
// retry policy type.
func convertRetryPolicy(p reliability.RetryPolicy) *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:    p.BackoffBase,
		BackoffCoefficient: p.BackoffMultiplier,
		MaximumInterval:    p.MaxBackoff,
		MaximumAttempts:    int32(p.MaxAttempts),
	}
}

// Execute implements Executor by starting invokeNodeWorkflow and blocking
// for its result. The workflow ID is derived from (sessionID, step) so a
// retried Dispatch call for the same step joins the same running
// execution instead of starting a duplicate. The returned attempt is the
// caller-supplied one: Temporal's own activity attempt count is not
// reported back.
func (e *TemporalExecutor) Execute(ctx context.Context, req Request, attempt int, policy reliability.RetryPolicy, invoker NodeInvoker) (NodeResult, int, error) {
	workflowID := fmt.Sprintf("invoke-node-%s-%s", req.SessionID, req.Step)
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: e.taskQueue,
	}, invokeNodeWorkflow, req, policy)
	if err != nil {
		return NodeResult{}, attempt, fmt.Errorf("engine: start workflow %s: %w", workflowID, err)
	}

	var result NodeResult
	if err := run.Get(ctx, &result); err != nil {
		return result, attempt, fmt.Errorf("engine: await workflow %s: %w", workflowID, err)
	}
	return result, attempt, nil
}

var _ Executor = (*TemporalExecutor)(nil)

package engine

import (
	"context"
	"time"

	"github.com/goa-ai-labs/agentflow/internal/reliability"
)

// InMemoryExecutor retries in-process, sleeping for the policy's computed
// backoff between attempts. Retries do not survive a process restart;
// deployments that need that use TemporalExecutor instead.
type InMemoryExecutor struct{}

// NewInMemoryExecutor constructs an InMemoryExecutor.
func NewInMemoryExecutor() *InMemoryExecutor {
	return &InMemoryExecutor{}
}

// Execute implements Executor.
func (e *InMemoryExecutor) Execute(ctx context.Context, req Request, startAttempt int, policy reliability.RetryPolicy, invoker NodeInvoker) (NodeResult, int, error) {
	attempt := startAttempt
	if attempt < 1 {
		attempt = 1
	}
	for {
		attemptReq := req
		attemptReq.Attempt = attempt
		result, err := invoker.InvokeNode(ctx, attemptReq)
		if err == nil {
			return result, attempt, nil
		}
		if !result.Retryable || !policy.ShouldRetry(attempt) {
			return result, attempt, err
		}
		select {
		case <-ctx.Done():
			return result, attempt, ctx.Err()
		case <-time.After(policy.DelayWithHint(attempt, result.RetryHint)):
		}
		attempt++
	}
}

var _ Executor = (*InMemoryExecutor)(nil)

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/reliability"
)

// fakeInvoker fails the first failCount attempts (with Retryable set per
// retryable) before succeeding.
type fakeInvoker struct {
	failCount  int
	retryable  bool
	calls      int
	lastResult NodeResult
}

func (f *fakeInvoker) InvokeNode(ctx context.Context, req Request) (NodeResult, error) {
	f.calls++
	if f.calls <= f.failCount {
		result := NodeResult{Retryable: f.retryable}
		return result, errors.New("upstream unavailable")
	}
	return NodeResult{Payload: []byte(`{"ok":true}`)}, nil
}

func fastPolicy() reliability.RetryPolicy {
	return reliability.RetryPolicy{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Millisecond,
	}
}

func TestInMemoryExecutor_RetriesRetryableFailuresThenSucceeds(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{failCount: 2, retryable: true}
	executor := NewInMemoryExecutor()

	result, attempt, err := executor.Execute(context.Background(), Request{SessionID: "s1", Step: "search"}, 1, fastPolicy(), invoker)
	require.NoError(t, err)
	require.Equal(t, 3, attempt)
	require.Equal(t, []byte(`{"ok":true}`), result.Payload)
	require.Equal(t, 3, invoker.calls)
}

func TestInMemoryExecutor_StopsImmediatelyOnNonRetryableFailure(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{failCount: 5, retryable: false}
	executor := NewInMemoryExecutor()

	_, attempt, err := executor.Execute(context.Background(), Request{SessionID: "s1", Step: "search"}, 1, fastPolicy(), invoker)
	require.Error(t, err)
	require.Equal(t, 1, attempt)
	require.Equal(t, 1, invoker.calls)
}

func TestInMemoryExecutor_StopsOnceMaxAttemptsExhausted(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{failCount: 10, retryable: true}
	executor := NewInMemoryExecutor()

	_, attempt, err := executor.Execute(context.Background(), Request{SessionID: "s1", Step: "search"}, 1, fastPolicy(), invoker)
	require.Error(t, err)
	require.Equal(t, 3, attempt)
	require.Equal(t, 3, invoker.calls)
}

func TestInMemoryExecutor_StopsOnContextCancellation(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{failCount: 10, retryable: true}
	executor := NewInMemoryExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := executor.Execute(ctx, Request{SessionID: "s1", Step: "search"}, 1, fastPolicy(), invoker)
	require.ErrorIs(t, err, context.Canceled)
}

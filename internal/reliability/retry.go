package reliability

import (
	"math"
	"time"
)

// RetryPolicy is the per-node retry configuration the Dispatcher consults
// at step 8 (spec section 4.6/4.7): on failure it increments attempt and
// re-enters the idempotency gate after the computed delay. Field shape
// mirrors the teacher's engine.RetryPolicy (runtime/agent/engine/engine.go),
// the same policy object the teacher plumbs into Temporal activity options;
// here it drives this package's own backoff computation instead, since the
// Dispatcher's retry loop is a plain Go loop rather than a Temporal
// activity retry (see internal/engine for where Temporal is still used).
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts, including the first
	// (spec default: 3).
	MaxAttempts int
	// BackoffBase is the delay before the first retry (spec default: 1s).
	BackoffBase time.Duration
	// BackoffMultiplier multiplies the delay after each retry (spec
	// default: 2).
	BackoffMultiplier float64
	// MaxBackoff caps the computed delay (spec default: 60s).
	MaxBackoff time.Duration
}

// DefaultRetryPolicy is the spec's documented default (section 4.6): base
// 1s, multiplier 2, cap 60s, max 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       3,
	BackoffBase:       time.Second,
	BackoffMultiplier: 2,
	MaxBackoff:        60 * time.Second,
}

// ShouldRetry reports whether attempt (1-indexed, the attempt that just
// failed) may be retried under p.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay computes the exponential backoff delay before retrying after
// attempt (1-indexed, the attempt that just failed): BackoffBase *
// BackoffMultiplier^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BackoffBase) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	return time.Duration(delay)
}

// RetryReason categorizes why a node attempt failed, mirroring the
// teacher's planner.RetryReason/policy.RetryReason (SPEC_FULL supplemented
// feature: retry-hint propagation).
type RetryReason string

const (
	RetryReasonTimeout         RetryReason = "timeout"
	RetryReasonRateLimited     RetryReason = "rate_limited"
	RetryReasonUpstreamError   RetryReason = "upstream_error"
	RetryReasonToolUnavailable RetryReason = "tool_unavailable"
)

// RetryHint is structured retry guidance a node attaches to a failed
// NodeResult instead of a bare error string, letting the next attempt's
// backoff (and, via PolicyEngine, later attempts' node availability) react
// to *why* the attempt failed rather than just that it failed (teacher:
// runtime/agent/planner.RetryHint, agents/runtime/policy.RetryHint).
type RetryHint struct {
	Reason         RetryReason `json:"reason"`
	RestrictToNode bool        `json:"restrict_to_node,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// DelayWithHint is Delay, except a RetryReasonRateLimited hint overrides the
// computed backoff with at least MaxBackoff: a node reporting it was
// rate-limited knows better than the policy's generic curve how long the
// next attempt should wait.
func (p RetryPolicy) DelayWithHint(attempt int, hint *RetryHint) time.Duration {
	delay := p.Delay(attempt)
	if hint != nil && hint.Reason == RetryReasonRateLimited && p.MaxBackoff > delay {
		return p.MaxBackoff
	}
	return delay
}

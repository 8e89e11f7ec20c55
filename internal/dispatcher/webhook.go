package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/registry"
	"github.com/goa-ai-labs/agentflow/internal/reliability"
	"github.com/goa-ai-labs/agentflow/internal/session"
)

// webhookCallRequest is the body POSTed to a webhook node (spec section
// 4.6, step 6): "{sessionId, step, params, callbackUrl}".
type webhookCallRequest struct {
	SessionID   string          `json:"session_id"`
	Step        string          `json:"step"`
	Params      json.RawMessage `json:"params"`
	CallbackURL string          `json:"callback_url"`
}

// WebhookTimeout is the default deadline for a webhook node's initial POST
// (spec section 5, "Cancellation & timeouts": webhook call 30s).
const WebhookTimeout = 30 * time.Second

// executeWebhook implements step 6 for a webhook node: it retries the POST
// itself (spec section 4.6, step 8 — submission failures re-enter step 5
// like any other failed attempt), then, once submission succeeds, records a
// "started" idempotency row and returns immediately; the node drives
// further progress by calling HandleCallback once it knows the real
// NodeResult.
//
// Submission success is deliberately never reported to the guard as
// StatusSuccess: a webhook's real outcome is only known when HandleCallback
// runs, so calling After(StatusSuccess) here would let a later legitimate
// retry of the same attempt be wrongly skipped before that outcome exists.
func (d *Dispatcher) executeWebhook(ctx context.Context, sess session.Session, state, nodeRef string, resolution registry.Resolution, traceID string, turn *Turn) error {
	policy := d.policies.RetryPolicyFor(nodeRef)
	attempt := 1
	for {
		decision, err := d.guard.Before(ctx, sess.ID, state, attempt)
		if err != nil {
			return fmt.Errorf("dispatcher: idempotency before %s/%s/%d: %w", sess.ID, state, attempt, err)
		}
		if decision == reliability.DecisionSkip {
			return nil
		}

		submitErr := d.submitWebhook(ctx, sess, state, attempt, resolution)
		if submitErr == nil {
			// Left "started": HandleCallback finishes this record once the
			// webhook reports its real outcome.
			return nil
		}
		_ = d.guard.After(ctx, sess.ID, state, attempt, reliability.StatusError, "")

		if !policy.ShouldRetry(attempt) {
			return d.recordFailure(ctx, sess, state, submitErr.Error(), traceID, turn)
		}
		select {
		case <-ctx.Done():
			return d.recordFailure(ctx, sess, state, ctx.Err().Error(), traceID, turn)
		case <-time.After(policy.Delay(attempt)):
		}
		attempt++
	}
}

// submitWebhook performs one POST attempt, reporting only transport-level
// and non-2xx failures; a successful submission does not mean the node's
// own work succeeded, only that it has been handed off.
func (d *Dispatcher) submitWebhook(ctx context.Context, sess session.Session, state string, attempt int, resolution registry.Resolution) error {
	body, err := json.Marshal(webhookCallRequest{
		SessionID:   sess.ID,
		Step:        state,
		Params:      sess.Params,
		CallbackURL: d.callbackURL(sess.ID, state, attempt),
	})
	if err != nil {
		return fmt.Errorf("encode webhook call: %w", err)
	}

	postCtx, cancel := context.WithTimeout(ctx, WebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, resolution.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.webhookClient.Do(req)
	if err != nil {
		return fmt.Errorf("call webhook %s: %w", resolution.Webhook.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", resolution.Webhook.URL, resp.StatusCode)
	}
	return nil
}

// callbackURL is the address the webhook is told to call back once it has
// a NodeResult. Deployments override this via WithCallbackBase; the
// default is suitable only for tests.
func (d *Dispatcher) callbackURL(sessionID, step string, attempt int) string {
	return fmt.Sprintf("%s/api/workflow/%s/callback?step=%s&attempt=%d", d.callbackBase, sessionID, step, attempt)
}

// HandleCallback completes steps 7–8 for a webhook invocation: the
// `/callback` HTTP handler (internal/httpapi) decodes the webhook's
// payload into a NodeResult and calls this with the (sessionID, step,
// attempt) the webhook was given in its callback URL (spec section 6,
// "Upload-signature & callback endpoints" is silent on this path; the
// shape mirrors step 6's fire-and-forget contract). Results arriving for a
// session that has since been hard-stopped are recorded for audit and
// dropped, per the Hard-Stopper's contract.
func (d *Dispatcher) HandleCallback(ctx context.Context, sessionID, step string, attempt int, nr NodeResult, traceID string) error {
	sess, err := d.sessions.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: load session %s: %w", sessionID, err)
	}

	aborted, err := d.hardStop.IsAborted(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: abort check %s: %w", sessionID, err)
	}
	payload, _ := json.Marshal(nr)
	if aborted {
		// Recorded for audit; not applied to the FSM (spec section 4.7,
		// "Webhook results arriving after abort are recorded for audit and
		// dropped").
		return d.appendAndPublish(ctx, sess, events.EventAborted, payload, step, step, traceID, nil)
	}

	status := reliability.StatusSuccess
	if nr.Status == ResultError {
		status = reliability.StatusError
	}
	digest := digestOf(payload)
	if err := d.guard.After(ctx, sessionID, step, attempt, status, digest); err != nil {
		return fmt.Errorf("dispatcher: idempotency after %s/%s/%d: %w", sessionID, step, attempt, err)
	}

	return d.recordOutcome(ctx, sess, step, nr, traceID, nil)
}

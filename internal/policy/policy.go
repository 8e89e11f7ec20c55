// Package policy gates which builtin nodes a tenant may invoke (SPEC_FULL
// supplemented feature: policy-gated tool availability). It mirrors the
// shape of the teacher's agents/runtime/policy.Engine, scoped down from
// per-turn tool allowlisting/cap enforcement to a single yes/no veto the
// Dispatcher consults before running a builtin node.
package policy

import "context"

// Engine decides whether tenantID may invoke nodeRef right now. A false
// decision carries a human-readable reason the Dispatcher folds into the
// INVALID_TRANSITION error it returns.
type Engine interface {
	Allow(ctx context.Context, tenantID, nodeRef string) (allowed bool, reason string, err error)
}

// AllowAll is the default Engine: every builtin node is available to every
// tenant. Deployments that need gating supply a DenylistEngine (or their
// own Engine) via dispatcher.WithPolicyEngine.
type AllowAll struct{}

// Allow implements Engine.
func (AllowAll) Allow(context.Context, string, string) (bool, string, error) {
	return true, "", nil
}

// DenylistEngine vetoes a static set of (tenant, node_ref) pairs, e.g. a
// skill disabled for a tenant pending investigation. It is concurrency-safe
// for reads only: build the full Denied map before handing it to the
// Dispatcher and treat it as immutable afterward.
type DenylistEngine struct {
	// Denied maps tenantID -> node_ref -> the reason it is disallowed.
	Denied map[string]map[string]string
}

// Allow implements Engine.
func (d DenylistEngine) Allow(_ context.Context, tenantID, nodeRef string) (bool, string, error) {
	if perTenant, ok := d.Denied[tenantID]; ok {
		if reason, blocked := perTenant[nodeRef]; blocked {
			return false, reason, nil
		}
	}
	return true, "", nil
}

var _ Engine = AllowAll{}
var _ Engine = DenylistEngine{}

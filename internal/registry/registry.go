// Package registry implements the Node Registry (spec section 4.4): it
// resolves a node_ref string to an executor, either an in-process builtin
// or a webhook descriptor, and keeps peer process instances converged on
// the same registrations via a durable upsert.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when node_ref does not resolve to any
// registration, builtin or webhook.
var ErrNotFound = errors.New("registry: node_ref not found")

// Kind distinguishes the two node_ref prefixes the spec defines.
type Kind string

const (
	// KindBuiltin is the "builtin://" prefix: an in-process node instance.
	KindBuiltin Kind = "builtin"
	// KindWebhook is the "http://" or "https://" prefix: a remote node
	// invoked by HTTP POST.
	KindWebhook Kind = "webhook"
)

// Builtin is an in-process node executor. It is the interface
// internal/dispatcher invokes directly for KindBuiltin resolutions.
type Builtin interface {
	// Invoke runs the node against params and the session's blackboard,
	// returning a raw JSON NodeResult payload (spec section 4.6).
	Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error)
}

// Registration is one durable Node Registry row (spec section 3, "Node
// Registration").
type Registration struct {
	NodeID string `json:"node_id"`
	Kind   Kind   `json:"kind"`
	// URL is set only for KindWebhook.
	URL string `json:"url,omitempty"`
	// Schema is the JSON Schema (as raw JSON) describing the webhook's
	// parameters; set only for KindWebhook.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Resolution is what Resolve returns: either a Builtin to invoke directly,
// or a webhook Registration describing where to POST.
type Resolution struct {
	Kind    Kind
	Builtin Builtin
	Webhook Registration
}

// DurableStore persists Registrations so peer instances converge and so the
// registry can reload at startup (spec section 4.4). Builtins themselves
// are never persisted: only their existence is recorded, so restart can
// validate that every state_node_map entry still resolves.
type DurableStore interface {
	Upsert(ctx context.Context, reg Registration) error
	List(ctx context.Context) ([]Registration, error)
}

// ConvergenceCache propagates registrations to peer process instances
// in-band (without a database round trip), mirroring the teacher's
// replicated-map cache layered in front of its durable store.
type ConvergenceCache interface {
	Set(ctx context.Context, nodeID string, reg Registration) error
	Get(nodeID string) (Registration, bool)
	Keys() []string
}

// ListNodes returns every Registration currently known to the convergence
// cache, for GET /api/registry/nodes (spec section 6). Builtins and
// webhooks are both registered into the cache at RegisterBuiltin /
// RegisterWebhook time, so a single Keys()+Get() pass covers both kinds.
func (r *Registry) ListNodes() []Registration {
	keys := r.store.Keys()
	out := make([]Registration, 0, len(keys))
	for _, k := range keys {
		if reg, ok := r.store.Get(k); ok {
			out = append(out, reg)
		}
	}
	return out
}

// Registry is the Node Registry.
type Registry struct {
	store   ConvergenceCache
	durable DurableStore

	builtins map[string]Builtin
}

// New constructs a Registry. durable may be nil for deployments that do not
// need cross-restart persistence (e.g. tests).
func New(cache ConvergenceCache, durable DurableStore) *Registry {
	return &Registry{
		store:    cache,
		durable:  durable,
		builtins: make(map[string]Builtin),
	}
}

// RegisterBuiltin registers an in-process node under "builtin://id" (spec
// section 4.4). Builtins are registered at process startup.
func (r *Registry) RegisterBuiltin(ctx context.Context, id string, node Builtin) error {
	if id == "" {
		return fmt.Errorf("registry: builtin id is required")
	}
	r.builtins[id] = node
	reg := Registration{NodeID: id, Kind: KindBuiltin}
	if err := r.store.Set(ctx, id, reg); err != nil {
		return fmt.Errorf("registry: register builtin %s: %w", id, err)
	}
	if r.durable != nil {
		if err := r.durable.Upsert(ctx, reg); err != nil {
			return fmt.Errorf("registry: persist builtin %s: %w", id, err)
		}
	}
	return nil
}

// RegisterWebhook registers a remote node under id (spec section 4.4:
// "registerWebhook(id, url, schema)"). Webhooks may be registered
// dynamically at runtime. The node_ref used in a Flow Definition's
// state_node_map to reach this registration is the url itself: resolution
// dispatches on the "http://"/"https://" prefix of node_ref, so the
// webhook's own URL doubles as its lookup key.
func (r *Registry) RegisterWebhook(ctx context.Context, id, url string, schema json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("registry: webhook id is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("registry: webhook url %q must be http(s)", url)
	}
	reg := Registration{NodeID: id, Kind: KindWebhook, URL: url, Schema: schema}
	if err := r.store.Set(ctx, url, reg); err != nil {
		return fmt.Errorf("registry: register webhook %s: %w", id, err)
	}
	if r.durable != nil {
		if err := r.durable.Upsert(ctx, reg); err != nil {
			return fmt.Errorf("registry: persist webhook %s: %w", id, err)
		}
	}
	return nil
}

// Resolve maps a node_ref to its executor (spec section 4.4). Resolution
// failure is fatal for a Dispatcher transition: the caller should emit
// EVENT_ERROR and stop.
func (r *Registry) Resolve(nodeRef string) (Resolution, error) {
	switch {
	case strings.HasPrefix(nodeRef, "builtin://"):
		id := strings.TrimPrefix(nodeRef, "builtin://")
		b, ok := r.builtins[id]
		if !ok {
			return Resolution{}, fmt.Errorf("%w: builtin %q", ErrNotFound, id)
		}
		return Resolution{Kind: KindBuiltin, Builtin: b}, nil
	case strings.HasPrefix(nodeRef, "http://"), strings.HasPrefix(nodeRef, "https://"):
		reg, ok := r.store.Get(nodeRef)
		if !ok {
			return Resolution{}, fmt.Errorf("%w: webhook %q", ErrNotFound, nodeRef)
		}
		return Resolution{Kind: KindWebhook, Webhook: reg}, nil
	default:
		return Resolution{}, fmt.Errorf("registry: node_ref %q has unrecognized prefix", nodeRef)
	}
}

// Resolves reports whether node_ref resolves, without requiring the caller
// to handle the full Resolution value. It satisfies flow.NodeResolver so
// Flow Definition loading can validate state_node_map entries.
func (r *Registry) Resolves(nodeRef string) bool {
	_, err := r.Resolve(nodeRef)
	return err == nil
}

// LoadFromDurableStore repopulates the convergence cache from the durable
// store at startup (spec section 4.4, "registry reload at startup reads
// this table"). Builtins must already be registered via RegisterBuiltin
// before calling this, since durable rows only record that a builtin
// existed, not its implementation.
func (r *Registry) LoadFromDurableStore(ctx context.Context) error {
	if r.durable == nil {
		return nil
	}
	regs, err := r.durable.List(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	for _, reg := range regs {
		if reg.Kind == KindWebhook {
			if err := r.store.Set(ctx, reg.URL, reg); err != nil {
				return fmt.Errorf("registry: load webhook %s: %w", reg.NodeID, err)
			}
		}
	}
	return nil
}

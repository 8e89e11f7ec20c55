// Package flow loads and validates Flow Definitions (spec section 3,
// "Flow Definition"): directed graphs over states that drive the FSM and
// tell the Dispatcher which node to invoke in each state. Flow Definitions
// are authored as YAML; only the loader contract is in scope, not the YAML
// files themselves.
package flow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// Transition is one edge of a Flow Definition's state graph: receiving
	// Event while in From moves the FSM to To. FanIn marks transitions that
	// require all prerequisite branches to have completed before firing
	// (checked by the Fan-In Checker, spec section 4.7).
	Transition struct {
		From  string `yaml:"from"`
		Event string `yaml:"event"`
		To    string `yaml:"to"`
		FanIn bool   `yaml:"fan_in"`
	}

	// Definition is a complete Flow Definition: a directed graph over
	// states, the node each state invokes, and which states pause for
	// human input.
	Definition struct {
		ID              string            `yaml:"id"`
		Name            string            `yaml:"name"`
		States          []string          `yaml:"states"`
		InitialState    string            `yaml:"initial_state"`
		Transitions     []Transition      `yaml:"transitions"`
		StateNodeMap    map[string]string `yaml:"state_node_map"`
		UserInputStates []string          `yaml:"user_input_states"`
	}
)

// NodeResolver reports whether node_ref resolves in the Node Registry, used
// by Validate to enforce the "every node_ref resolves at load time"
// invariant without creating an import cycle between flow and registry.
type NodeResolver interface {
	Resolves(nodeRef string) bool
}

// Parse decodes a Flow Definition from YAML and validates it. resolver may
// be nil to skip the node-resolution check (e.g. when validating flows
// before builtins/webhooks are registered).
func Parse(data []byte, resolver NodeResolver) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("flow: parse: %w", err)
	}
	if err := Validate(&def, resolver); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate enforces the Flow Definition invariant (spec section 3): every
// state referenced in state_node_map or transitions is in the state set;
// every node_ref resolves in the Node Registry at load time (skipped if
// resolver is nil).
func Validate(def *Definition, resolver NodeResolver) error {
	if def.ID == "" {
		return fmt.Errorf("flow: id is required")
	}
	if def.InitialState == "" {
		return fmt.Errorf("flow %s: initial_state is required", def.ID)
	}
	stateSet := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		stateSet[s] = true
	}
	if !stateSet[def.InitialState] {
		return fmt.Errorf("flow %s: initial_state %q not in state set", def.ID, def.InitialState)
	}
	for _, t := range def.Transitions {
		if !stateSet[t.From] {
			return fmt.Errorf("flow %s: transition references unknown from-state %q", def.ID, t.From)
		}
		if !stateSet[t.To] {
			return fmt.Errorf("flow %s: transition references unknown to-state %q", def.ID, t.To)
		}
		if t.Event == "" {
			return fmt.Errorf("flow %s: transition %s->%s has empty event", def.ID, t.From, t.To)
		}
	}
	for state, nodeRef := range def.StateNodeMap {
		if !stateSet[state] {
			return fmt.Errorf("flow %s: state_node_map references unknown state %q", def.ID, state)
		}
		if resolver != nil && !resolver.Resolves(nodeRef) {
			return fmt.Errorf("flow %s: state %q node_ref %q does not resolve in the Node Registry", def.ID, state, nodeRef)
		}
	}
	for _, s := range def.UserInputStates {
		if !stateSet[s] {
			return fmt.Errorf("flow %s: user_input_states references unknown state %q", def.ID, s)
		}
	}
	return nil
}

// IsUserInputState reports whether state is one of the flow's
// user_input_states, at which the Dispatcher pauses for human input
// (spec section 4.6, NEED_USER_INPUT).
func (d *Definition) IsUserInputState(state string) bool {
	for _, s := range d.UserInputStates {
		if s == state {
			return true
		}
	}
	return false
}

// IsTerminal reports whether state is one of the FSM's fixed terminal
// states (spec section 4.3): end, error, aborted. No transition leaves a
// terminal state except the explicit RESET control event.
func IsTerminal(state string) bool {
	switch state {
	case "end", "error", "aborted":
		return true
	default:
		return false
	}
}

// NodeRef returns the node reference registered for state, and whether one
// is mapped.
func (d *Definition) NodeRef(state string) (string, bool) {
	ref, ok := d.StateNodeMap[state]
	return ref, ok
}

// TransitionsFrom returns every transition whose From matches state,
// preserving declaration order. Used by the FSM to find candidate
// transitions for a triggering event.
func (d *Definition) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// FanInFor reports whether the declared transition from "from" on "event"
// to "to" is marked fan_in. A synthetic transition not present in
// d.Transitions (e.g. the FSM's implicit EVENT_ERROR/ABORT edges) is never
// fan-in.
func (d *Definition) FanInFor(from, event, to string) bool {
	for _, t := range d.Transitions {
		if t.From == from && t.Event == event && t.To == to {
			return t.FanIn
		}
	}
	return false
}

// FanInPrerequisites returns the distinct From states of every fan_in
// transition whose To is state: the set of prerequisite steps the Fan-In
// Checker must see STEP_DONE for before state's node may execute.
func (d *Definition) FanInPrerequisites(state string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range d.Transitions {
		if t.To == state && t.FanIn && !seen[t.From] {
			seen[t.From] = true
			out = append(out, t.From)
		}
	}
	return out
}

// SingleNode builds the implicit two-state Flow Definition used for
// startSingleNode sessions (spec section 4.3): [execute] --STEP_DONE--> [end].
func SingleNode(nodeRef string) *Definition {
	const flowID = "__single_node__"
	return &Definition{
		ID:           flowID,
		Name:         "implicit single-node flow",
		States:       []string{"execute", "end"},
		InitialState: "execute",
		Transitions: []Transition{
			{From: "execute", Event: "STEP_DONE", To: "end"},
		},
		StateNodeMap: map[string]string{"execute": nodeRef},
	}
}

// Package nodes implements the runtime's builtin node set: the
// in-process work a flow step can perform without a webhook round trip
// (spec section 1: search, document writing, data query, file parsing).
// Each node is a thin adapter over internal/llmclient or
// internal/dataserviceclient, reading upstream results from the Blackboard
// and returning a dispatcher.NodeResult-shaped JSON payload (registry.Builtin).
package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/registry"
)

var (
	_ registry.Builtin = (*Search)(nil)
	_ registry.Builtin = (*Writer)(nil)
	_ registry.Builtin = (*DataQuery)(nil)
	_ registry.Builtin = (*FileParser)(nil)
)

// resultError marshals a NodeResult carrying ResultError, the shape every
// builtin node returns on a non-retryable or provider-reported failure.
func resultError(format string, args ...any) (json.RawMessage, error) {
	return marshalResult(dispatcher.NodeResult{
		Status: dispatcher.ResultError,
		Error:  fmt.Sprintf(format, args...),
	})
}

func resultSuccess(artifacts map[string]json.RawMessage, uiSchema json.RawMessage) (json.RawMessage, error) {
	return marshalResult(dispatcher.NodeResult{
		Status:    dispatcher.ResultSuccess,
		Artifacts: artifacts,
		UISchema:  uiSchema,
	})
}

func marshalResult(nr dispatcher.NodeResult) (json.RawMessage, error) {
	raw, err := json.Marshal(nr)
	if err != nil {
		return nil, fmt.Errorf("nodes: marshal result: %w", err)
	}
	return raw, nil
}

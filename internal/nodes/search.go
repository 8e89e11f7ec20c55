package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goa-ai-labs/agentflow/internal/llmclient"
)

// SearchParams is the params payload a flow step maps onto the search node.
type SearchParams struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// Search is the "search" builtin node (spec section 1): it calls the
// external LLM endpoint's semantic search mode and publishes the ranked
// hits as a smart_table artifact.
type Search struct {
	llm *llmclient.Client
}

// NewSearch constructs a Search node bound to llm.
func NewSearch(llm *llmclient.Client) *Search {
	return &Search{llm: llm}
}

// Invoke implements registry.Builtin.
func (s *Search) Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	var p SearchParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return resultError("search: decode params: %v", err)
		}
	}
	if p.Query == "" {
		return resultError("search: query is required")
	}

	resp, err := s.llm.Search(ctx, llmclient.SearchRequest{Query: p.Query, TopK: p.TopK})
	if err != nil {
		return resultError("search: %v", err)
	}

	rows := make([][]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		rows = append(rows, []string{r.DocumentID, r.Snippet, fmt.Sprintf("%.3f", r.Score)})
	}
	uiSchema, err := json.Marshal(map[string]any{
		"component": "smart_table",
		"data": map[string]any{
			"columns": []string{"document_id", "snippet", "score"},
			"rows":    rows,
		},
	})
	if err != nil {
		return resultError("search: encode ui_schema: %v", err)
	}

	resultPayload, err := json.Marshal(resp)
	if err != nil {
		return resultError("search: encode result artifact: %v", err)
	}

	return resultSuccess(map[string]json.RawMessage{"search_result": resultPayload}, uiSchema)
}

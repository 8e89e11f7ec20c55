package nodes

import (
	"context"
	"encoding/json"

	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
)

// DataQueryParams is the params payload a flow step maps onto the data
// query node.
type DataQueryParams struct {
	TenantID    string   `json:"tenant_id"`
	Question    string   `json:"question"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// DataQuery is the "data query" builtin node: it asks the external data
// service a semantic question over previously parsed documents and
// publishes the answers as a smart_table.
type DataQuery struct {
	data *dataserviceclient.Client
}

// NewDataQuery constructs a DataQuery node.
func NewDataQuery(data *dataserviceclient.Client) *DataQuery {
	return &DataQuery{data: data}
}

// Invoke implements registry.Builtin.
func (d *DataQuery) Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	var p DataQueryParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return resultError("data_query: decode params: %v", err)
		}
	}
	if p.Question == "" {
		return resultError("data_query: question is required")
	}

	resp, err := d.data.Query(ctx, dataserviceclient.QueryRequest{
		TenantID:    p.TenantID,
		Question:    p.Question,
		DocumentIDs: p.DocumentIDs,
	})
	if err != nil {
		return resultError("data_query: %v", err)
	}

	rows := make([][]any, 0, len(resp.Answers))
	for _, a := range resp.Answers {
		rows = append(rows, []any{a.DocumentID, a.Answer, a.Confidence})
	}
	uiSchema, err := json.Marshal(map[string]any{
		"component": "smart_table",
		"data": map[string]any{
			"columns": []string{"document_id", "answer", "confidence"},
			"rows":    rows,
		},
	})
	if err != nil {
		return resultError("data_query: encode ui_schema: %v", err)
	}

	answers, err := json.Marshal(resp)
	if err != nil {
		return resultError("data_query: encode result artifact: %v", err)
	}

	return resultSuccess(map[string]json.RawMessage{"data_query_result": answers}, uiSchema)
}

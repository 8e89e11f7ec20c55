package nodes

import (
	"context"
	"encoding/json"

	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
)

// FileParserParams is the params payload a flow step maps onto the file
// parser node. It matches a messages[].files[] attachment (spec section
// 4.8): an object-storage URL plus its original name and content type.
type FileParserParams struct {
	TenantID string `json:"tenant_id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// FileParser is the "file parser" builtin node: it hands an
// already-uploaded object-storage URL to the external data service and
// publishes the parsed document id and text. The Agent Controller imposes
// its own 60-second budget on this call via ctx and downgrades to a
// "file not parsed" notice on timeout (spec section 4.8); this node
// itself just reports whatever ctx allows.
type FileParser struct {
	data *dataserviceclient.Client
}

// NewFileParser constructs a FileParser node.
func NewFileParser(data *dataserviceclient.Client) *FileParser {
	return &FileParser{data: data}
}

// Invoke implements registry.Builtin.
func (f *FileParser) Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	var p FileParserParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return resultError("file_parser: decode params: %v", err)
		}
	}
	if p.URL == "" {
		return resultError("file_parser: url is required")
	}

	resp, err := f.data.Parse(ctx, dataserviceclient.ParseRequest{
		TenantID: p.TenantID,
		URL:      p.URL,
		Name:     p.Name,
		Type:     p.Type,
	})
	if err != nil {
		return resultError("file_parser: %v", err)
	}

	parsed, err := json.Marshal(resp)
	if err != nil {
		return resultError("file_parser: encode result artifact: %v", err)
	}

	uiSchema, err := json.Marshal(map[string]any{
		"component": "document_preview",
		"data":      map[string]any{"url": p.URL, "title": p.Name},
	})
	if err != nil {
		return resultError("file_parser: encode ui_schema: %v", err)
	}

	return resultSuccess(map[string]json.RawMessage{"parsed_document": parsed}, uiSchema)
}

package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/llmclient"
)

// WriterParams is the params payload a flow step maps onto the document
// writer node.
type WriterParams struct {
	// Instruction is the free-form drafting instruction (e.g. "draft a
	// comparison summary").
	Instruction string `json:"instruction"`
	// SourceArtifact optionally names a prior artifact (e.g.
	// "search_result") to ground the draft in, read from the Blackboard.
	SourceArtifact string `json:"source_artifact,omitempty"`
}

// Writer is the "document writer" builtin node: it asks the LLM endpoint
// to draft a document from an instruction plus an optional upstream
// artifact, and publishes the draft as a document_preview.
type Writer struct {
	llm *llmclient.Client
	bb  blackboard.Blackboard
}

// NewWriter constructs a Writer node.
func NewWriter(llm *llmclient.Client, bb blackboard.Blackboard) *Writer {
	return &Writer{llm: llm, bb: bb}
}

// Invoke implements registry.Builtin.
func (w *Writer) Invoke(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	var p WriterParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return resultError("writer: decode params: %v", err)
		}
	}
	if p.Instruction == "" {
		return resultError("writer: instruction is required")
	}

	prompt := p.Instruction
	if p.SourceArtifact != "" {
		raw, err := w.bb.ReadArtifact(ctx, sessionID, p.SourceArtifact)
		if err != nil {
			return resultError("writer: read source artifact %s: %v", p.SourceArtifact, err)
		}
		prompt = fmt.Sprintf("%s\n\nSource data:\n%s", p.Instruction, string(raw))
	}

	resp, err := w.llm.Complete(ctx, llmclient.CompleteRequest{
		Messages: []llmclient.Message{
			{Role: "system", Content: "Draft the requested document from the given instruction and source data."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return resultError("writer: %v", err)
	}

	draft, err := json.Marshal(map[string]string{"content": resp.Content})
	if err != nil {
		return resultError("writer: encode draft: %v", err)
	}
	uiSchema, err := json.Marshal(map[string]any{
		"component": "document_preview",
		"data":      map[string]string{"title": "Draft document", "url": ""},
	})
	if err != nil {
		return resultError("writer: encode ui_schema: %v", err)
	}

	return resultSuccess(map[string]json.RawMessage{"document_draft": draft}, uiSchema)
}

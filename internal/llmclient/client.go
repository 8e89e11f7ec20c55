// Package llmclient is a thin HTTP wrapper around the external "search /
// chat / embed" large-language-model endpoint (spec section 1, "Out of
// scope"). It does not vendor a provider SDK: the LLM endpoint's wire
// contract is internal to this deployment, not a public provider API, so a
// small JSON-over-HTTP client is the grounded choice over an SDK built for a
// different API shape.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a tool the model may choose to call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// TokenUsage reports token consumption for a single Complete call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CompleteRequest captures one chat-completion invocation.
type CompleteRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float32          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// CompleteResponse is the model's reply: either assistant text, one or more
// tool calls, or both (a provider may emit commentary alongside a tool
// call).
type CompleteResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	Usage      TokenUsage `json:"usage"`
	StopReason string     `json:"stop_reason"`
}

// EmbedRequest requests embedding vectors for a batch of input strings.
type EmbedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

// EmbedResponse carries one embedding vector per EmbedRequest.Input entry,
// in the same order.
type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Usage   TokenUsage  `json:"usage"`
}

// DefaultTimeout bounds a single HTTP round trip to the LLM endpoint.
const DefaultTimeout = 60 * time.Second

// Client calls the external LLM endpoint's chat-completion and embedding
// routes.
type Client struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// New constructs a Client bound to baseURL (e.g. config.Config.LLMEndpoint).
func New(baseURL, defaultModel string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
	}
}

// Complete performs a single, non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	var resp CompleteResponse
	if err := c.post(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return CompleteResponse{}, err
	}
	return resp, nil
}

// Embed computes embedding vectors for req.Input, preserving order.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	var resp EmbedResponse
	if err := c.post(ctx, "/v1/embeddings", req, &resp); err != nil {
		return EmbedResponse{}, err
	}
	return resp, nil
}

// SearchRequest asks the endpoint's "search" mode for ranked passages
// relevant to Query, optionally scoped to previously parsed document ids.
type SearchRequest struct {
	Query       string   `json:"query"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

// SearchResult is one ranked hit returned by Search.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Snippet    string  `json:"snippet"`
	Score      float32 `json:"score"`
}

// SearchResponse wraps the ranked hits for a SearchRequest.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search performs a semantic search over the model's indexed corpus.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/v1/search", req, &resp); err != nil {
		return SearchResponse{}, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llmclient: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llmclient: call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("llmclient: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llmclient: decode %s response: %w", path, err)
	}
	return nil
}

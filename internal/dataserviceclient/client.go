// Package dataserviceclient is a thin HTTP wrapper around the external
// file-parsing data service ("Tonglu" in spec section 1) that ingests
// uploaded documents and answers semantic queries over them. Like
// internal/llmclient, this is a small JSON-over-HTTP client rather than a
// vendored SDK: the service's wire contract is internal to this deployment.
package dataserviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultParseTimeout matches the 60-second budget the Agent Controller
// allows a file-parse request before downgrading to a "file not parsed"
// notice (spec section 4.8).
const DefaultParseTimeout = 60 * time.Second

// ParseRequest asks the data service to ingest one previously uploaded
// document.
type ParseRequest struct {
	TenantID string `json:"tenant_id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// ParseResponse is the data service's parse result. DocumentID is later
// used to scope QueryRequest calls to this document.
type ParseResponse struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	PageCount  int    `json:"page_count,omitempty"`
}

// QueryRequest asks a semantic question about one or more already-parsed
// documents.
type QueryRequest struct {
	TenantID    string   `json:"tenant_id"`
	DocumentIDs []string `json:"document_ids"`
	Question    string   `json:"question"`
}

// QueryAnswer is one semantic hit returned by Query.
type QueryAnswer struct {
	DocumentID string  `json:"document_id"`
	Answer     string  `json:"answer"`
	Confidence float32 `json:"confidence"`
}

// QueryResponse wraps the answers for a QueryRequest.
type QueryResponse struct {
	Answers []QueryAnswer `json:"answers"`
}

// Client calls the external data service's parse and query routes.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client bound to baseURL (e.g.
// config.Config.DataServiceEndpoint).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultParseTimeout},
	}
}

// Parse ingests one document, blocking until parsing completes or ctx's
// deadline (typically DefaultParseTimeout) elapses.
func (c *Client) Parse(ctx context.Context, req ParseRequest) (ParseResponse, error) {
	var resp ParseResponse
	if err := c.post(ctx, "/v1/parse", req, &resp); err != nil {
		return ParseResponse{}, err
	}
	return resp, nil
}

// Query answers a semantic question against one or more parsed documents.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	var resp QueryResponse
	if err := c.post(ctx, "/v1/query", req, &resp); err != nil {
		return QueryResponse{}, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dataserviceclient: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("dataserviceclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dataserviceclient: call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dataserviceclient: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dataserviceclient: decode %s response: %w", path, err)
	}
	return nil
}

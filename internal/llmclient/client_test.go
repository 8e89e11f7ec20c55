package llmclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/llmclient"
)

func TestClient_Complete_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req llmclient.CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "default-model", req.Model)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{
			Content:    "hello there",
			StopReason: "stop",
		})
	}))
	defer srv.Close()

	c := llmclient.New(srv.URL, "default-model")
	resp, err := c.Complete(t.Context(), llmclient.CompleteRequest{
		Messages: []llmclient.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Content)
	require.Equal(t, "stop", resp.StopReason)
}

func TestClient_Complete_PropagatesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := llmclient.New(srv.URL, "default-model")
	_, err := c.Complete(t.Context(), llmclient.CompleteRequest{})
	require.Error(t, err)
}

func TestClient_Search_DecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search", r.URL.Path)
		json.NewEncoder(w).Encode(llmclient.SearchResponse{
			Results: []llmclient.SearchResult{{DocumentID: "doc-1", Snippet: "a relevant passage", Score: 0.9}},
		})
	}))
	defer srv.Close()

	c := llmclient.New(srv.URL, "default-model")
	resp, err := c.Search(t.Context(), llmclient.SearchRequest{Query: "price comparison"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "doc-1", resp.Results[0].DocumentID)
}

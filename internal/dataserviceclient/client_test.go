package dataserviceclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
)

func TestClient_Parse_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/parse", r.URL.Path)
		var req dataserviceclient.ParseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://example.oss.aliyuncs.com/uploads/a.pdf", req.URL)

		json.NewEncoder(w).Encode(dataserviceclient.ParseResponse{DocumentID: "doc-42", Text: "parsed text"})
	}))
	defer srv.Close()

	c := dataserviceclient.New(srv.URL)
	resp, err := c.Parse(t.Context(), dataserviceclient.ParseRequest{
		URL:  "https://example.oss.aliyuncs.com/uploads/a.pdf",
		Name: "a.pdf",
		Type: "application/pdf",
	})
	require.NoError(t, err)
	require.Equal(t, "doc-42", resp.DocumentID)
}

func TestClient_Query_PropagatesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := dataserviceclient.New(srv.URL)
	_, err := c.Query(t.Context(), dataserviceclient.QueryRequest{Question: "what is the total?"})
	require.Error(t, err)
}

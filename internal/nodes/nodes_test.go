package nodes_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/llmclient"
	"github.com/goa-ai-labs/agentflow/internal/nodes"
)

func decodeResult(t *testing.T, raw json.RawMessage) dispatcher.NodeResult {
	t.Helper()
	var nr dispatcher.NodeResult
	require.NoError(t, json.Unmarshal(raw, &nr))
	return nr
}

func TestSearch_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llmclient.SearchResponse{
			Results: []llmclient.SearchResult{{DocumentID: "doc-1", Snippet: "acme quote", Score: 0.8}},
		})
	}))
	defer srv.Close()

	n := nodes.NewSearch(llmclient.New(srv.URL, "model"))
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{"query":"price comparison"}`))
	require.NoError(t, err)

	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultSuccess, nr.Status)
	require.Contains(t, nr.Artifacts, "search_result")
	require.NotEmpty(t, nr.UISchema)
}

func TestSearch_Invoke_MissingQuery_ReturnsResultError(t *testing.T) {
	n := nodes.NewSearch(llmclient.New("http://unused.invalid", "model"))
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultError, nr.Status)
	require.NotEmpty(t, nr.Error)
}

func TestWriter_Invoke_UsesSourceArtifact(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llmclient.CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Messages[len(req.Messages)-1].Content
		json.NewEncoder(w).Encode(llmclient.CompleteResponse{Content: "draft body"})
	}))
	defer srv.Close()

	bb := blackboard.NewMemoryBlackboard()
	require.NoError(t, bb.WriteArtifact(t.Context(), "sess-1", "search_result", []byte(`{"results":[]}`)))

	n := nodes.NewWriter(llmclient.New(srv.URL, "model"), bb)
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{"instruction":"draft a summary","source_artifact":"search_result"}`))
	require.NoError(t, err)

	require.Contains(t, gotPrompt, "search_result")
	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultSuccess, nr.Status)
	require.Contains(t, nr.Artifacts, "document_draft")
}

func TestWriter_Invoke_MissingSourceArtifact_ReturnsResultError(t *testing.T) {
	bb := blackboard.NewMemoryBlackboard()
	n := nodes.NewWriter(llmclient.New("http://unused.invalid", "model"), bb)
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{"instruction":"draft","source_artifact":"missing"}`))
	require.NoError(t, err)

	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultError, nr.Status)
}

func TestDataQuery_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dataserviceclient.QueryResponse{
			Answers: []dataserviceclient.QueryAnswer{{DocumentID: "doc-1", Answer: "42", Confidence: 0.95}},
		})
	}))
	defer srv.Close()

	n := nodes.NewDataQuery(dataserviceclient.New(srv.URL))
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{"question":"total?"}`))
	require.NoError(t, err)

	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultSuccess, nr.Status)
	require.Contains(t, nr.Artifacts, "data_query_result")
}

func TestFileParser_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dataserviceclient.ParseResponse{DocumentID: "doc-9", Text: "parsed"})
	}))
	defer srv.Close()

	n := nodes.NewFileParser(dataserviceclient.New(srv.URL))
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{"url":"https://oss.example/a.pdf","name":"a.pdf"}`))
	require.NoError(t, err)

	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultSuccess, nr.Status)
	require.Contains(t, nr.Artifacts, "parsed_document")
}

func TestFileParser_Invoke_MissingURL_ReturnsResultError(t *testing.T) {
	n := nodes.NewFileParser(dataserviceclient.New("http://unused.invalid"))
	raw, err := n.Invoke(t.Context(), "sess-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	nr := decodeResult(t, raw)
	require.Equal(t, dispatcher.ResultError, nr.Status)
}

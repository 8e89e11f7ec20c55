package sse_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/sse"
)

func TestWriter_Run_WritesFramesInOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := sse.New(rec)
	require.NoError(t, err)

	frames := make(chan sse.Frame, 2)
	frames <- sse.Frame{Event: "session_init", Data: map[string]string{"session_id": "sess-1"}}
	frames <- sse.Frame{Event: "done", Data: map[string]string{"session_id": "sess-1"}}
	close(frames)

	require.NoError(t, w.Run(t.Context(), frames))

	body := rec.Body.String()
	require.Contains(t, body, "event: session_init\ndata: {\"session_id\":\"sess-1\"}\n\n")
	require.Contains(t, body, "event: done\ndata: {\"session_id\":\"sess-1\"}\n\n")
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestWriter_Run_StopsOnContextCancel(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := sse.New(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	frames := make(chan sse.Frame)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, frames) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestWriter_New_RejectsNonFlusher(t *testing.T) {
	_, err := sse.New(nonFlushingWriter{})
	require.Error(t, err)
}

type nonFlushingWriter struct{}

func (nonFlushingWriter) Header() http.Header         { return http.Header{} }
func (nonFlushingWriter) Write(p []byte) (int, error) { return len(p), nil }
func (nonFlushingWriter) WriteHeader(int)             {}

// Package sse implements the SSE Writer (spec section 2: "Frame assembly,
// heartbeats, backpressure, disconnect cleanup"). It owns how a frame
// reaches the wire; internal/agentcontroller owns what frames to send and
// when.
//
// The runtime hand-rolls this rather than pulling in a third-party SSE
// framework: the wire format is four lines ("event: ...\ndata: ...\n\n")
// and the interesting behavior (heartbeats, write deadlines) is all
// Writer-specific policy, not something a generic SSE library buys us.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HeartbeatInterval is how often a ping frame is sent when no other frame
// has gone out (spec section 6, "SSE framing").
const HeartbeatInterval = 15 * time.Second

// WriteDeadline bounds a single frame write; a client slower than this is
// considered disconnected (spec section 9, "Streaming under backpressure").
const WriteDeadline = 5 * time.Second

// Frame is one SSE event: `event: Event\ndata: <json of Data>\n\n`.
type Frame struct {
	Event string
	Data  any
}

// Writer wraps an http.ResponseWriter for SSE framing.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// New prepares w for an SSE response: sets headers, forces status 200, and
// flushes immediately so the client sees headers before any frame arrives.
func New(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming not supported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// Run drains frames onto the wire, interleaving a ping heartbeat whenever
// HeartbeatInterval elapses with no other frame. It returns when frames is
// closed (normal completion), ctx is done (disconnect or request
// cancellation), or a write fails (client stalled past WriteDeadline).
func (sw *Writer) Run(ctx context.Context, frames <-chan Frame) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := sw.write(f.Event, f.Data); err != nil {
				return err
			}
			ticker.Reset(HeartbeatInterval)
		case <-ticker.C:
			if err := sw.write("ping", map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
				return err
			}
		}
	}
}

func (sw *Writer) write(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: encode %s frame: %w", event, err)
	}
	_ = sw.rc.SetWriteDeadline(time.Now().Add(WriteDeadline))
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return fmt.Errorf("sse: write %s frame: %w", event, err)
	}
	if err := sw.rc.Flush(); err != nil {
		sw.flusher.Flush()
	}
	return nil
}

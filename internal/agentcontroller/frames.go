package agentcontroller

import "encoding/json"

// Frame payload shapes, one struct per row of the protocol table (spec
// section 4.8). Field names and json tags match the table verbatim.

type sessionInitFrame struct {
	SessionID string `json:"session_id"`
}

type thinkingFrame struct {
	Content  string `json:"content,omitempty"`
	Phase    string `json:"phase"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	RunID    string `json:"run_id,omitempty"`
	Step     string `json:"step,omitempty"`
}

type toolFrame struct {
	RunID    string `json:"run_id"`
	Tool     string `json:"tool"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type uiRenderFrame struct {
	SchemaVersion int             `json:"schema_version"`
	UIID          string          `json:"ui_id"`
	RenderMode    string          `json:"render_mode"`
	Component     string          `json:"component"`
	Title         string          `json:"title,omitempty"`
	Data          json.RawMessage `json:"data"`
	Actions       json.RawMessage `json:"actions,omitempty"`
}

type messageFrame struct {
	MessageID string `json:"message_id"`
	Seq       int    `json:"seq"`
	Mode      string `json:"mode"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

type errorFrame struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	TraceID   string `json:"trace_id,omitempty"`
}

type doneFrame struct {
	SessionID string `json:"session_id,omitempty"`
}

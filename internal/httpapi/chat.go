package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goa-ai-labs/agentflow/internal/agentcontroller"
	"github.com/goa-ai-labs/agentflow/internal/sse"
)

// chatRequestBody is the decoded body of POST /api/agent/chat (spec
// section 4.8). SessionID is optional; omitting it starts a new implicit
// chat session.
type chatRequestBody struct {
	SessionID   string                    `json:"session_id"`
	Messages    []agentcontroller.Message `json:"messages"`
	PageContext json.RawMessage           `json:"page_context,omitempty"`
}

// chat handles POST /api/agent/chat: decode the request, start the SSE
// response, and hand the stream to the Agent Controller (spec section 7:
// "Errors inside the Agent Controller before any frame is emitted surface
// as HTTP error responses" — that's everything up to sse.New below; every
// error past that point is the Controller's own error/done frame pair).
func (s *Server) chat(c *gin.Context) {
	var body chatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	if userOf(c) == "" {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", traceOf(c), "X-User-Id header is required")
		return
	}

	writer, err := sse.New(c.Writer)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}

	req := agentcontroller.ChatRequest{
		TenantID:    tenantOf(c),
		UserID:      userOf(c),
		TraceID:     traceOf(c),
		SessionID:   body.SessionID,
		Messages:    body.Messages,
		PageContext: body.PageContext,
	}

	frames := make(chan sse.Frame, 8)
	go s.controller.Run(c.Request.Context(), req, frames)
	_ = writer.Run(c.Request.Context(), frames)
}

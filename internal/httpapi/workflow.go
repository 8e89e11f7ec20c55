package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/session"
)

// workflowStartBody is the decoded body of POST /api/workflow/start: either
// flow_id (explicit flow) or node_ref (single-node session) must be set,
// not both (spec section 4.5).
type workflowStartBody struct {
	FlowID  string          `json:"flow_id,omitempty"`
	NodeRef string          `json:"node_ref,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// workflowStart handles POST /api/workflow/start: create the session, then
// run the flow's initial-state node if one is mapped (spec section 4.5,
// "StartFlow ... returns immediately"; DispatchInitial is the first
// execution step).
func (s *Server) workflowStart(c *gin.Context) {
	var body workflowStartBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	if (body.FlowID == "") == (body.NodeRef == "") {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), "exactly one of flow_id or node_ref is required")
		return
	}

	var sessionID string
	var err error
	if body.FlowID != "" {
		sessionID, err = s.sessions.StartFlow(c.Request.Context(), tenantOf(c), body.FlowID, body.Params)
	} else {
		sessionID, err = s.sessions.StartSingleNode(c.Request.Context(), tenantOf(c), body.NodeRef, body.Params)
	}
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}

	if err := s.dispatcher.DispatchInitial(c.Request.Context(), sessionID, traceOf(c), nil); err != nil {
		writeDispatchError(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

// workflowEventBody is the decoded body of POST
// /api/workflow/{session}/event (spec section 6). RequestedBy and Reason
// are only consulted for PAUSE/RESUME, which bypass the FSM entirely (spec
// section 3, PAUSE/RESUME control events).
type workflowEventBody struct {
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// workflowEvent handles POST /api/workflow/{session}/event. PAUSE and
// RESUME are control-plane calls onto the Dispatcher's pause audit trail,
// not FSM transitions; every other event type is pushed through the full
// dispatch algorithm, so a resulting state's mapped node (if any) executes
// in the same call (spec section 4.6).
func (s *Server) workflowEvent(c *gin.Context) {
	sessionID := c.Param("session")
	var body workflowEventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}

	switch events.Type(body.Type) {
	case events.Pause:
		if err := s.dispatcher.Pause(c.Request.Context(), tenantOf(c), sessionID, body.RequestedBy, body.Reason, traceOf(c)); err != nil {
			writeDispatchError(c, sessionID, err)
			return
		}
	case events.Resume:
		if err := s.dispatcher.Resume(c.Request.Context(), tenantOf(c), sessionID, body.RequestedBy, traceOf(c)); err != nil {
			writeDispatchError(c, sessionID, err)
			return
		}
	default:
		if err := s.dispatcher.Dispatch(c.Request.Context(), sessionID, events.Type(body.Type), traceOf(c), nil); err != nil {
			writeDispatchError(c, sessionID, err)
			return
		}
	}
	c.Status(http.StatusAccepted)
}

// workflowState handles GET /api/workflow/{session}/state: the session's
// current state plus the events its Flow Definition accepts from there.
func (s *Server) workflowState(c *gin.Context) {
	sessionID := c.Param("session")
	sess, err := s.sessions.Load(c.Request.Context(), sessionID)
	if err != nil {
		writeDispatchError(c, sessionID, err)
		return
	}
	def, err := s.sessions.ResolveFlow(c.Request.Context(), sessionID, sess.FlowID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}

	allowed := make([]string, 0)
	for _, t := range def.TransitionsFrom(sess.CurrentState) {
		allowed = append(allowed, t.Event)
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":     sess.ID,
		"status":         sess.Status,
		"current_state":  sess.CurrentState,
		"allowed_events": allowed,
	})
}

// workflowDelete handles DELETE /api/workflow/{session}: a hard stop (spec
// section 4.7).
func (s *Server) workflowDelete(c *gin.Context) {
	sessionID := c.Param("session")
	if err := s.dispatcher.HardStop(c.Request.Context(), tenantOf(c), sessionID, "client requested hard stop", traceOf(c)); err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// workflowCallbackBody is the decoded body of POST
// /api/workflow/{session}/callback: a webhook node reporting its result
// (spec section 6, callback URL minted by Dispatcher.callbackURL).
type workflowCallbackBody struct {
	Step    string                `json:"step" binding:"required"`
	Attempt int                   `json:"attempt"`
	Result  dispatcher.NodeResult `json:"result"`
}

// workflowCallback handles POST /api/workflow/{session}/callback.
func (s *Server) workflowCallback(c *gin.Context) {
	sessionID := c.Param("session")
	var body workflowCallbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	if err := s.dispatcher.HandleCallback(c.Request.Context(), sessionID, body.Step, body.Attempt, body.Result, traceOf(c)); err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// workflowEvents handles GET /api/workflow/{session}/events: audit replay
// (spec section 6).
func (s *Server) workflowEvents(c *gin.Context) {
	if s.events == nil {
		writeError(c, http.StatusNotFound, "INTERNAL_ERROR", traceOf(c), "event replay store not configured")
		return
	}
	sessionID := c.Param("session")
	evts, err := s.events.ListForSession(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

// writeDispatchError maps a session-lookup/dispatch failure to the closest
// apierror code: session.ErrNotFound becomes SESSION_NOT_FOUND, the
// Dispatcher's paused/not-paused/node-disallowed errors become a 409
// INVALID_TRANSITION, everything else INTERNAL_ERROR (spec section 7).
func writeDispatchError(c *gin.Context, sessionID string, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(c, http.StatusNotFound, "SESSION_NOT_FOUND", traceOf(c), "session "+sessionID+" not found")
		return
	}
	if errors.Is(err, dispatcher.ErrSessionNotPaused) || errors.Is(err, dispatcher.ErrSessionPaused) || errors.Is(err, dispatcher.ErrNodeDisallowed) {
		writeError(c, http.StatusConflict, "INVALID_TRANSITION", traceOf(c), err.Error())
		return
	}
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
}

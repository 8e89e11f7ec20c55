package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goa-ai-labs/agentflow/internal/flow"
	"github.com/goa-ai-labs/agentflow/internal/registry"
)

// listNodes handles GET /api/registry/nodes (spec section 6).
func (s *Server) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.nodeReg.ListNodes()})
}

// registerNodeBody is the decoded body of POST /api/registry/nodes: only
// webhook nodes can be registered over HTTP (builtins are registered
// in-process at startup, spec section 4.4).
type registerNodeBody struct {
	NodeID string          `json:"node_id" binding:"required"`
	URL    string          `json:"url" binding:"required"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

func (s *Server) registerNode(c *gin.Context) {
	var body registerNodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	if err := s.nodeReg.RegisterWebhook(c.Request.Context(), body.NodeID, body.URL, body.Schema); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": body.NodeID, "kind": registry.KindWebhook})
}

// flowSummary is the JSON-friendly projection of a flow.Definition: the
// struct itself only carries yaml tags (spec section 6, "Flow YAML"), so
// listing/registering over HTTP needs its own wire shape.
type flowSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	States       []string `json:"states"`
	InitialState string   `json:"initial_state"`
}

// listFlows handles GET /api/registry/flows.
func (s *Server) listFlows(c *gin.Context) {
	defs, err := s.flows.List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}
	out := make([]flowSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, flowSummary{ID: d.ID, Name: d.Name, States: d.States, InitialState: d.InitialState})
	}
	c.JSON(http.StatusOK, gin.H{"flows": out})
}

// registerFlow handles POST /api/registry/flows: the body is the Flow YAML
// document itself (spec section 6), parsed and validated against the Node
// Registry before being stored.
func (s *Server) registerFlow(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	def, err := flow.Parse(raw, s.nodeReg)
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	if err := s.flows.Register(c.Request.Context(), def); err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", traceOf(c), err.Error())
		return
	}
	c.JSON(http.StatusOK, flowSummary{ID: def.ID, Name: def.Name, States: def.States, InitialState: def.InitialState})
}

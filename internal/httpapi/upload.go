package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goa-ai-labs/agentflow/internal/objectstore"
)

// postSignature handles POST /api/oss/post-signature (spec section 4.9):
// issues a short-lived direct-upload policy without touching file bytes.
func (s *Server) postSignature(c *gin.Context) {
	var req objectstore.PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	policy, err := s.signer.Sign(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", traceOf(c), err.Error())
		return
	}
	c.JSON(http.StatusOK, policy)
}

// Package httpapi wires the full HTTP surface of the runtime (spec section
// 6): the SSE chat endpoint, the upload-signature endpoint, and the
// low-level workflow/registry/health routes used by operators and by
// clients that bypass the Agent Controller to drive a flow directly.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/goa-ai-labs/agentflow/internal/agentcontroller"
	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/objectstore"
	"github.com/goa-ai-labs/agentflow/internal/registry"
	"github.com/goa-ai-labs/agentflow/internal/session"
)

// EventReplayStore is the read surface GET /api/workflow/{session}/events
// needs; *events.MemoryStore (tests) and internal/store/postgres's
// EventRepository (cmd/server) implement it.
type EventReplayStore interface {
	ListForSession(ctx context.Context, sessionID string) ([]events.Event, error)
}

// Server holds every dependency the HTTP surface dispatches into. Nothing
// here owns a network listener; cmd/server serves Server.Router() through
// its own http.Server.
type Server struct {
	sessions    *session.Manager
	dispatcher  *dispatcher.Dispatcher
	flows       session.FlowRegistry
	nodeReg     *registry.Registry
	signer      *objectstore.Signer
	controller  *agentcontroller.Controller
	events      EventReplayStore
	rateLimiter *tenantLimiter
}

// New constructs a Server. eventStore may be nil to disable the
// event-replay endpoint (it 404s instead). rateLimitRPS/rateLimitBurst
// configure the per-tenant request admission limiter (spec section 7,
// RATE_LIMITED); a non-positive rateLimitRPS disables it.
func New(sessions *session.Manager, disp *dispatcher.Dispatcher, flows session.FlowRegistry, nodeReg *registry.Registry, signer *objectstore.Signer, controller *agentcontroller.Controller, eventStore EventReplayStore, rateLimitRPS float64, rateLimitBurst int) *Server {
	var limiter *tenantLimiter
	if rateLimitRPS > 0 {
		limiter = newTenantLimiter(rateLimitRPS, rateLimitBurst)
	}
	return &Server{
		sessions:    sessions,
		dispatcher:  disp,
		flows:       flows,
		nodeReg:     nodeReg,
		signer:      signer,
		controller:  controller,
		events:      eventStore,
		rateLimiter: limiter,
	}
}

// Router builds the gin.Engine routing every path of spec section 6 to its
// handler, with tenantContext applied to every tenant-bound route.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.health)
	r.GET("/api/metrics", s.metrics)

	handlers := []gin.HandlerFunc{tenantContext()}
	if s.rateLimiter != nil {
		handlers = append(handlers, s.rateLimiter.middleware())
	}
	tenant := r.Group("/", handlers...)
	tenant.POST("/api/agent/chat", s.chat)
	tenant.POST("/api/oss/post-signature", s.postSignature)

	tenant.POST("/api/workflow/start", s.workflowStart)
	tenant.POST("/api/workflow/:session/event", s.workflowEvent)
	tenant.GET("/api/workflow/:session/state", s.workflowState)
	tenant.DELETE("/api/workflow/:session", s.workflowDelete)
	tenant.POST("/api/workflow/:session/callback", s.workflowCallback)
	tenant.GET("/api/workflow/:session/events", s.workflowEvents)

	tenant.GET("/api/registry/nodes", s.listNodes)
	tenant.POST("/api/registry/nodes", s.registerNode)
	tenant.GET("/api/registry/flows", s.listFlows)
	tenant.POST("/api/registry/flows", s.registerFlow)

	return r
}

// tenantCtxKey/userCtxKey/traceCtxKey are the gin context keys tenantContext
// populates, read back by every handler below via tenantOf/userOf/traceOf.
const (
	tenantCtxKey = "agentflow.tenant_id"
	userCtxKey   = "agentflow.user_id"
	traceCtxKey  = "agentflow.trace_id"
)

// tenantContext enforces the required X-Tenant-Id header (spec section 6)
// and propagates X-User-Id/X-Trace-Id, generating a trace id when absent.
func tenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-Id")
		if tenantID == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "", "X-Tenant-Id header is required")
			c.Abort()
			return
		}
		traceID := c.GetHeader("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(tenantCtxKey, tenantID)
		c.Set(userCtxKey, c.GetHeader("X-User-Id"))
		c.Set(traceCtxKey, traceID)
		c.Header("X-Trace-Id", traceID)
		c.Next()
	}
}

func tenantOf(c *gin.Context) string { return c.GetString(tenantCtxKey) }
func userOf(c *gin.Context) string   { return c.GetString(userCtxKey) }
func traceOf(c *gin.Context) string  { return c.GetString(traceCtxKey) }

// errorBody is the JSON shape of every HTTP error response (spec section 7:
// "All error responses and frames include trace_id").
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id"`
	Retryable bool   `json:"retryable"`
}

func writeError(c *gin.Context, status int, code, traceID, message string) {
	c.JSON(status, errorBody{Code: code, Message: message, TraceID: traceID})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// metrics is a minimal liveness-oriented counter set; a full Prometheus
// /metrics exposition is out of this kernel's scope (spec section 1).
func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodes_registered": len(s.nodeReg.ListNodes()),
	})
}

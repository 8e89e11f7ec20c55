package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// tenantLimiter enforces a per-tenant requests-per-second budget across
// every tenant-bound route (spec section 7, RATE_LIMITED: "too many
// in-flight requests for the tenant"). It mirrors the shape of the
// teacher's AdaptiveRateLimiter (features/model/middleware/ratelimit.go) —
// a golang.org/x/time/rate.Limiter behind a mutex-guarded map — but keyed
// per tenant rather than adapted off a single process-wide token-cost
// signal, since HTTP request admission has no analogous cost estimate to
// back off from.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *tenantLimiter) allow(tenantID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[tenantID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// middleware rejects a request with RATE_LIMITED once its tenant has
// exceeded its budget. Must run after tenantContext so tenantOf is
// populated.
func (l *tenantLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(tenantOf(c)) {
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", traceOf(c), "too many requests for this tenant")
			c.Abort()
			return
		}
		c.Next()
	}
}

package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// sourceLimiter keeps one token bucket per caller IP for the agent
// registration and verification endpoints.
type sourceLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

func newSourceLimiter(perSec float64, burst int) *sourceLimiter {
	return &sourceLimiter{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(perSec),
		burst:   burst,
	}
}

func (l *sourceLimiter) allow(source string) bool {
	l.mu.Lock()
	b, ok := l.buckets[source]
	if !ok {
		b = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[source] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// rateLimit rejects callers that exhausted their bucket.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.RemoteIP()) {
			respondError(c, http.StatusTooManyRequests, codeRateLimited, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

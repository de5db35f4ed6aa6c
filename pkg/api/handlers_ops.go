package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /api/health: pure liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness handles GET /api/readiness: the worker is ready once migrations
// completed and the configured LLM provider answers.
func (s *Server) Readiness(c *gin.Context) {
	if !s.store.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unready", "reason": "migrations incomplete"})
		return
	}
	if s.ready != nil {
		if err := s.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unready", "reason": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Metrics handles GET /api/metrics.
func (s *Server) Metrics(c *gin.Context) {
	m, err := s.store.CollectMetrics(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":          m.Agents,
		"auth":            m.Auth,
		"aliases":         m.Aliases,
		"observations":    m.Observations,
		"pending_count":   m.PendingCount,
		"active_sessions": s.manager.ActiveCount(),
	})
}

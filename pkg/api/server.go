// Package api is the worker's HTTP surface: ingest acknowledgement, search,
// timeline, agent lifecycle, and operational probes. Handlers stay thin; the
// store, registry, search engine, and session manager do the work.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claude-mem/claude-mem/pkg/agents"
	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/project"
	"github.com/claude-mem/claude-mem/pkg/search"
	"github.com/claude-mem/claude-mem/pkg/session"
	"github.com/claude-mem/claude-mem/pkg/store"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

// contextKey under which the authenticated agent travels through gin.
const agentContextKey = "authenticated-agent"

// ReadinessCheck probes an external collaborator (usually the LLM provider).
type ReadinessCheck func(ctx context.Context) error

// Server wires the HTTP routes to the worker's collaborators.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	registry   *agents.Registry
	engine     *search.Engine
	manager    *session.Manager
	resolver   *project.Resolver
	index      vector.Index
	backfiller *vector.Backfiller
	ready      ReadinessCheck

	httpServer *http.Server
	limiter    *sourceLimiter
}

func NewServer(cfg *config.Config, st *store.Store, registry *agents.Registry, engine *search.Engine,
	manager *session.Manager, resolver *project.Resolver, index vector.Index,
	backfiller *vector.Backfiller, ready ReadinessCheck) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		engine:     engine,
		manager:    manager,
		resolver:   resolver,
		index:      index,
		backfiller: backfiller,
		ready:      ready,
		limiter:    newSourceLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	apiGroup := r.Group("/api")

	ingest := apiGroup.Group("", s.ingestAuth())
	ingest.POST("/ingest/observation", s.IngestObservation)
	ingest.POST("/ingest/summarize", s.IngestSummarize)
	ingest.POST("/session/prompt", s.SessionPrompt)

	read := apiGroup.Group("", s.optionalAuth())
	read.GET("/search", s.Search)
	read.GET("/get_observations", s.GetObservations)
	read.GET("/timeline", s.Timeline)
	read.GET("/context", s.Context)

	apiGroup.POST("/agents/register", s.rateLimit(), s.RegisterAgent)
	apiGroup.POST("/agents/verify", s.rateLimit(), s.VerifyAgent)

	authed := apiGroup.Group("", s.requireAuth())
	authed.GET("/agents/me", s.Me)
	authed.POST("/agents/rotate-key", s.RotateKey)
	authed.POST("/agents/revoke", s.RevokeKey)

	apiGroup.GET("/health", s.Health)
	apiGroup.GET("/readiness", s.Readiness)
	apiGroup.GET("/metrics", s.Metrics)

	return r
}

// Start begins serving on the configured address. Blocks until the listener
// closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger emits one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// requireAuth rejects requests without a valid Bearer key.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := s.authenticate(c)
		if err != nil {
			respondStoreError(c, err)
			c.Abort()
			return
		}
		if agent == nil {
			respondError(c, http.StatusUnauthorized, codeUnauthorized, "bearer token required")
			c.Abort()
			return
		}
		c.Set(agentContextKey, agent)
		c.Next()
	}
}

// optionalAuth attaches the agent when a Bearer key is presented; anonymous
// requests proceed with public/project visibility only. A presented but
// invalid key is still rejected.
func (s *Server) optionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := s.authenticate(c)
		if err != nil {
			respondStoreError(c, err)
			c.Abort()
			return
		}
		if agent != nil {
			c.Set(agentContextKey, agent)
		}
		c.Next()
	}
}

// ingestAuth permits loopback callers while no agents are registered (the
// bootstrap window for local hooks); otherwise a Bearer key is required.
func (s *Server) ingestAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := s.authenticate(c)
		if err != nil {
			respondStoreError(c, err)
			c.Abort()
			return
		}
		if agent != nil {
			c.Set(agentContextKey, agent)
			c.Next()
			return
		}

		n, err := s.store.CountAgents(c.Request.Context())
		if err != nil {
			respondStoreError(c, err)
			c.Abort()
			return
		}
		if n == 0 && isLoopback(c.RemoteIP()) {
			c.Next()
			return
		}
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "bearer token required")
		c.Abort()
	}
}

// authenticate resolves the Bearer key, if any. (nil, nil) means no key was
// presented.
func (s *Server) authenticate(c *gin.Context) (*models.Agent, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, nil
	}
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, agents.ErrBadCredentials
	}
	return s.registry.Verify(c.Request.Context(), strings.TrimSpace(key), c.RemoteIP())
}

// viewer returns the authenticated agent, or nil for anonymous requests.
func viewer(c *gin.Context) *models.Agent {
	if v, ok := c.Get(agentContextKey); ok {
		return v.(*models.Agent)
	}
	return nil
}

func isLoopback(remoteIP string) bool {
	ip := net.ParseIP(remoteIP)
	return ip != nil && ip.IsLoopback()
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterAgentRequest creates a new agent identity.
type RegisterAgentRequest struct {
	ID          string `json:"id" binding:"required"`
	Department  string `json:"department"`
	Permissions string `json:"permissions"`
}

// RegisterAgent handles POST /api/agents/register. The plaintext key appears
// only in this response.
func (s *Server) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	reg, err := s.registry.Register(c.Request.Context(), req.ID, req.Department, req.Permissions, c.RemoteIP())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent":  reg.Agent,
		"apiKey": reg.PlaintextKey,
	})
}

// VerifyAgentRequest checks a key and reports the owning agent.
type VerifyAgentRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

// VerifyAgent handles POST /api/agents/verify. Failures count toward lockout.
func (s *Server) VerifyAgent(c *gin.Context) {
	var req VerifyAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	agent, err := s.registry.Verify(c.Request.Context(), req.APIKey, c.RemoteIP())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// Me handles GET /api/agents/me.
func (s *Server) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agent": viewer(c)})
}

// RotateKey handles POST /api/agents/rotate-key: invalidates the current key
// and returns a fresh one.
func (s *Server) RotateKey(c *gin.Context) {
	agent := viewer(c)
	reg, err := s.registry.Rotate(c.Request.Context(), agent.ID, c.RemoteIP())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent":  reg.Agent,
		"apiKey": reg.PlaintextKey,
	})
}

// RevokeKey handles POST /api/agents/revoke: clears the key material so the
// agent can no longer authenticate.
func (s *Server) RevokeKey(c *gin.Context) {
	agent := viewer(c)
	if err := s.registry.Revoke(c.Request.Context(), agent.ID, c.RemoteIP()); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": agent.ID})
}

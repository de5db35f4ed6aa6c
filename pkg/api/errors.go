package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/claude-mem/claude-mem/pkg/agents"
	"github.com/claude-mem/claude-mem/pkg/store"
)

// Error codes in the {error, message} envelope.
const (
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeLocked       = "agent_locked"
	codeNotFound     = "not_found"
	codeConflict     = "already_exists"
	codeRateLimited  = "rate_limited"
	codeInternal     = "internal"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// respondStoreError maps domain errors onto the HTTP taxonomy. Unknown errors
// are a server fault.
func respondStoreError(c *gin.Context, err error) {
	var verr *store.ValidationError
	var lerr *agents.LockedError

	switch {
	case errors.As(err, &verr):
		respondError(c, http.StatusBadRequest, codeBadRequest, verr.Error())
	case errors.As(err, &lerr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":              codeLocked,
			"message":            lerr.Error(),
			"locked_until_epoch": lerr.UntilEpoch,
		})
	case errors.Is(err, agents.ErrInvalidAgentID):
		respondError(c, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, agents.ErrBadCredentials), errors.Is(err, agents.ErrKeyExpired):
		respondError(c, http.StatusUnauthorized, codeUnauthorized, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		respondError(c, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, codeNotFound, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

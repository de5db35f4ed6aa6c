package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

// IngestObservationRequest is the fire-and-forget hook payload. toolInput and
// toolResponse arrive as arbitrary JSON and are stored opaquely.
type IngestObservationRequest struct {
	ContentSessionID string          `json:"contentSessionId" binding:"required"`
	Project          string          `json:"project"`
	CWD              string          `json:"cwd"`
	ToolName         string          `json:"toolName"`
	ToolInput        json.RawMessage `json:"toolInput"`
	ToolResponse     json.RawMessage `json:"toolResponse"`
	PromptNumber     int             `json:"promptNumber"`
	BeadID           string          `json:"beadId"`
}

// IngestObservation handles POST /api/ingest/observation: ack-on-enqueue, not
// ack-on-process.
func (s *Server) IngestObservation(c *gin.Context) {
	var req IngestObservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	if slices.Contains(s.cfg.SkipTools, req.ToolName) {
		c.JSON(http.StatusAccepted, gin.H{"skipped": true, "toolName": req.ToolName})
		return
	}

	project := req.Project
	if project == "" {
		project = s.resolver.Resolve(ctx, req.CWD)
		s.resolver.RegisterAlias(ctx, s.store, project, req.CWD)
	}

	sess, err := s.store.GetOrCreateSession(ctx, req.ContentSessionID, project, "")
	if err != nil {
		respondStoreError(c, err)
		return
	}

	id, err := s.store.Enqueue(ctx, &models.PendingMessage{
		SessionDBID:      sess.ID,
		ContentSessionID: sess.ContentSessionID,
		Type:             models.MessageObservation,
		ToolName:         req.ToolName,
		ToolInput:        string(req.ToolInput),
		ToolResponse:     string(req.ToolResponse),
		CWD:              req.CWD,
		PromptNumber:     req.PromptNumber,
		BeadID:           req.BeadID,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	s.manager.Notify(sess)
	c.JSON(http.StatusAccepted, gin.H{"pendingMessageId": id})
}

// IngestSummarizeRequest asks for a session rollup.
type IngestSummarizeRequest struct {
	ContentSessionID     string `json:"contentSessionId" binding:"required"`
	LastAssistantMessage string `json:"lastAssistantMessage"`
}

// IngestSummarize handles POST /api/ingest/summarize.
func (s *Server) IngestSummarize(c *gin.Context) {
	var req IngestSummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	sess, err := s.store.GetSessionByContentID(ctx, req.ContentSessionID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	id, err := s.store.Enqueue(ctx, &models.PendingMessage{
		SessionDBID:          sess.ID,
		ContentSessionID:     sess.ContentSessionID,
		Type:                 models.MessageSummarize,
		LastAssistantMessage: req.LastAssistantMessage,
		PromptNumber:         sess.PromptCounter,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	s.manager.Notify(sess)
	c.JSON(http.StatusAccepted, gin.H{"pendingMessageId": id})
}

// SessionPromptRequest records one user prompt.
type SessionPromptRequest struct {
	ContentSessionID string `json:"contentSessionId" binding:"required"`
	PromptText       string `json:"promptText" binding:"required"`
	AgentID          string `json:"agentId"`
	SenderID         string `json:"senderId"`
}

// SessionPrompt handles POST /api/session/prompt: assigns the next prompt
// number and persists the text.
func (s *Server) SessionPrompt(c *gin.Context) {
	var req SessionPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	prompt, err := s.store.AddUserPrompt(ctx, req.ContentSessionID, req.PromptText, req.AgentID, req.SenderID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	// Prompts are searchable semantically too. Indexing failure only delays
	// them until the next backfill.
	if sess, err := s.store.GetSessionByContentID(ctx, req.ContentSessionID); err == nil {
		if docs := vector.PromptDocs(prompt, sess.Project); len(docs) > 0 {
			if err := s.index.AddDocuments(ctx, sess.Project, docs); err != nil {
				slog.Warn("Prompt vector sync failed", "prompt_id", prompt.ID, "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"promptNumber": prompt.PromptNumber,
		"promptId":     prompt.ID,
	})
}

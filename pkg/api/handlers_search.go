package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/search"
	"github.com/claude-mem/claude-mem/pkg/store"
)

// Search handles GET /api/search.
func (s *Server) Search(c *gin.Context) {
	req := search.Request{
		Query:         c.Query("query"),
		Project:       c.Query("project"),
		FileSubstring: c.Query("files"),
		FromEpoch:     queryInt64(c, "from"),
		ToEpoch:       queryInt64(c, "to"),
		Limit:         int(queryInt64(c, "limit")),
		Viewer:        viewer(c),
	}
	for _, t := range splitParam(c.Query("type")) {
		req.Types = append(req.Types, models.ObservationType(t))
	}
	req.Concepts = splitParam(c.Query("concepts"))

	results, err := s.engine.Search(c.Request.Context(), req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"observations": emptyAsList(results)})
}

// GetObservations handles GET /api/get_observations?ids=1,2,3. Visibility
// still applies: ids the viewer cannot see are silently dropped.
func (s *Server) GetObservations(c *gin.Context) {
	var ids []int64
	for _, raw := range splitParam(c.Query("ids")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, codeBadRequest, "invalid observation id "+raw)
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		respondError(c, http.StatusBadRequest, codeBadRequest, "ids required")
		return
	}

	results, err := s.store.QueryObservations(c.Request.Context(), store.ObservationFilter{
		IDs:    ids,
		Viewer: viewer(c),
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"observations": emptyAsList(results)})
}

// Timeline handles GET /api/timeline?around=<observationId|epoch>. An id that
// resolves to an observation anchors there; anything else is read as an epoch.
func (s *Server) Timeline(c *gin.Context) {
	around := queryInt64(c, "around")
	if around <= 0 {
		respondError(c, http.StatusBadRequest, codeBadRequest, "around required")
		return
	}

	req := search.TimelineRequest{
		Before:  int(queryInt64(c, "before")),
		After:   int(queryInt64(c, "after")),
		Project: c.Query("project"),
		Viewer:  viewer(c),
	}
	if _, err := s.store.GetObservation(c.Request.Context(), around); err == nil {
		req.AnchorObservationID = around
	} else {
		req.AnchorEpoch = around
	}

	items, err := s.engine.Timeline(c.Request.Context(), req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if items == nil {
		items = []*search.TimelineItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Context handles GET /api/context?cwd= and returns the rendered context
// block for the directory's project. It also kicks off a background vector
// backfill so the collection catches up with the store.
func (s *Server) Context(c *gin.Context) {
	cwd := c.Query("cwd")
	project := c.Query("project")
	if project == "" {
		if cwd == "" {
			respondError(c, http.StatusBadRequest, codeBadRequest, "cwd or project required")
			return
		}
		project = s.resolver.Resolve(c.Request.Context(), cwd)
	}

	block, err := s.engine.ContextBlock(c.Request.Context(), project, viewer(c))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if s.backfiller != nil {
		go func(p string) {
			if _, err := s.backfiller.EnsureBackfilled(context.Background(), p); err != nil {
				slog.Warn("Background backfill failed", "project", p, "error", err)
			}
		}(project)
	}

	c.JSON(http.StatusOK, gin.H{"project": project, "context": block})
}

func queryInt64(c *gin.Context, key string) int64 {
	v := c.Query(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func emptyAsList(in []*models.Observation) []*models.Observation {
	if in == nil {
		return []*models.Observation{}
	}
	return in
}

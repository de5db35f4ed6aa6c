// Package search combines vector similarity with the store's structured
// filters. The store is authoritative: vector hits are only an ordering hint,
// and every returned row passes the structured and visibility filters.
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/store"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

const (
	defaultLimit = 20

	// A row fans out into several granular documents, so the vector stage
	// over-fetches before dedupe.
	vectorFanout = 4
)

// Engine runs hybrid queries over the store and the vector index.
type Engine struct {
	store       *store.Store
	index       vector.Index
	maxAliases  int
	recencyDays int

	// Active mode vocabulary, applied to context blocks.
	vocabTypes    []models.ObservationType
	vocabConcepts []string
}

// NewEngine builds the engine. mode supplies the observation type and concept
// vocabulary enforced on context blocks; nil leaves them unrestricted.
func NewEngine(st *store.Store, index vector.Index, mode *config.Mode, maxAliases, recencyDays int) *Engine {
	e := &Engine{store: st, index: index, maxAliases: maxAliases, recencyDays: recencyDays}
	if mode != nil {
		for _, t := range mode.ObservationTypes {
			e.vocabTypes = append(e.vocabTypes, models.ObservationType(t))
		}
		e.vocabConcepts = mode.Concepts
	}
	return e
}

// Request is one search invocation. Query is optional; the structured filters
// always apply. Viewer gates visibility (nil sees public and project tiers).
type Request struct {
	Query         string
	Project       string
	Types         []models.ObservationType
	Concepts      []string
	FileSubstring string
	FromEpoch     int64
	ToEpoch       int64
	Viewer        *models.Agent
	Limit         int
}

// Search returns matching observations: by vector distance when a query text
// is given, newest first otherwise.
func (e *Engine) Search(ctx context.Context, req Request) ([]*models.Observation, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	projects, err := e.expandProjects(ctx, req.Project)
	if err != nil {
		return nil, err
	}

	filter := store.ObservationFilter{
		Projects:      projects,
		Types:         req.Types,
		Concepts:      req.Concepts,
		FileSubstring: req.FileSubstring,
		FromEpoch:     e.applyRecency(req.FromEpoch),
		ToEpoch:       req.ToEpoch,
		Viewer:        req.Viewer,
	}

	// Vector ranking needs a project: collections are per project. Without one
	// the search is structured-only.
	if req.Query == "" || req.Project == "" {
		filter.Limit = limit
		filter.NewestFirst = true
		return e.store.QueryObservations(ctx, filter)
	}

	ranked, err := e.rankedObservationIDs(ctx, projects, req.Query, limit*vectorFanout)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	filter.IDs = ranked
	matched, err := e.store.QueryObservations(ctx, filter)
	if err != nil {
		return nil, err
	}

	// Intersect preserves vector order, not store order.
	byID := make(map[int64]*models.Observation, len(matched))
	for _, o := range matched {
		byID[o.ID] = o
	}
	out := make([]*models.Observation, 0, limit)
	for _, id := range ranked {
		if o, ok := byID[id]; ok {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// GetRecent returns the newest observations for a project, alias-expanded.
func (e *Engine) GetRecent(ctx context.Context, project string, viewer *models.Agent, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	projects, err := e.expandProjects(ctx, project)
	if err != nil {
		return nil, err
	}
	return e.store.QueryObservations(ctx, store.ObservationFilter{
		Projects:    projects,
		Viewer:      viewer,
		Limit:       limit,
		NewestFirst: true,
	})
}

// rankedObservationIDs runs the vector stage across the expanded project set
// and collapses granular documents onto their owning rows, keeping the best
// distance per row.
func (e *Engine) rankedObservationIDs(ctx context.Context, projects []string, query string, fetch int) ([]int64, error) {
	type hit struct {
		id       int64
		distance float32
	}
	best := map[int64]float32{}

	where := map[string]string{"doc_type": vector.DocObservation}
	for _, project := range projects {
		results, err := e.index.Query(ctx, project, query, fetch, where)
		if err != nil {
			return nil, fmt.Errorf("vector query for %q: %w", project, err)
		}
		for _, r := range results {
			_, id, ok := vector.ParseDocID(r.DocID)
			if !ok {
				continue
			}
			if d, seen := best[id]; !seen || r.Distance < d {
				best[id] = r.Distance
			}
		}
	}

	hits := make([]hit, 0, len(best))
	for id, d := range best {
		hits = append(hits, hit{id: id, distance: d})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].id < hits[j].id
	})

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// expandProjects resolves a project filter through its recorded aliases.
func (e *Engine) expandProjects(ctx context.Context, project string) ([]string, error) {
	if project == "" {
		return nil, nil
	}
	return e.store.ProjectsWithAliases(ctx, project, e.maxAliases)
}

// applyRecency tightens the from-epoch to the configured window. A zero
// recency setting leaves the filter untouched.
func (e *Engine) applyRecency(fromEpoch int64) int64 {
	if e.recencyDays <= 0 {
		return fromEpoch
	}
	floor := time.Now().UnixMilli() - int64(e.recencyDays)*24*time.Hour.Milliseconds()
	if floor > fromEpoch {
		return floor
	}
	return fromEpoch
}

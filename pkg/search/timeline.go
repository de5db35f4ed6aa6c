package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/store"
)

// Item kinds in a timeline.
const (
	ItemObservation = "observation"
	ItemSummary     = "summary"
	ItemPrompt      = "prompt"
)

// TimelineRequest selects a chronological window around an anchor: either an
// observation id or a raw epoch. Before/After count observations, not
// milliseconds; the returned window spans from the Before-th older observation
// to the After-th newer one.
type TimelineRequest struct {
	AnchorObservationID int64
	AnchorEpoch         int64
	Before              int
	After               int
	Project             string
	Viewer              *models.Agent
}

// TimelineItem is one row in the merged chronology.
type TimelineItem struct {
	Kind        string                 `json:"kind"`
	Epoch       int64                  `json:"epoch"`
	Observation *models.Observation    `json:"observation,omitempty"`
	Summary     *models.SessionSummary `json:"summary,omitempty"`
	Prompt      *models.UserPrompt     `json:"prompt,omitempty"`
}

// Timeline returns observations, summaries and user prompts inside the window,
// merged and sorted chronologically.
func (e *Engine) Timeline(ctx context.Context, req TimelineRequest) ([]*TimelineItem, error) {
	anchor, err := e.resolveAnchor(ctx, req)
	if err != nil {
		return nil, err
	}

	projects, err := e.expandProjects(ctx, req.Project)
	if err != nil {
		return nil, err
	}

	from, to, err := e.windowBounds(ctx, projects, req, anchor)
	if err != nil {
		return nil, err
	}

	observations, err := e.store.QueryObservations(ctx, store.ObservationFilter{
		Projects:  projects,
		FromEpoch: from,
		ToEpoch:   to,
		Viewer:    req.Viewer,
	})
	if err != nil {
		return nil, err
	}
	summaries, err := e.store.SummariesBetween(ctx, projects, req.Viewer, from, to)
	if err != nil {
		return nil, err
	}
	prompts, err := e.store.UserPromptsBetween(ctx, projects, from, to)
	if err != nil {
		return nil, err
	}

	items := make([]*TimelineItem, 0, len(observations)+len(summaries)+len(prompts))
	for _, o := range observations {
		items = append(items, &TimelineItem{Kind: ItemObservation, Epoch: o.CreatedAtEpoch, Observation: o})
	}
	for _, s := range summaries {
		items = append(items, &TimelineItem{Kind: ItemSummary, Epoch: s.CreatedAtEpoch, Summary: s})
	}
	for _, p := range prompts {
		items = append(items, &TimelineItem{Kind: ItemPrompt, Epoch: p.CreatedAtEpoch, Prompt: p})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Epoch < items[j].Epoch })
	return items, nil
}

// resolveAnchor turns the request's anchor into an epoch.
func (e *Engine) resolveAnchor(ctx context.Context, req TimelineRequest) (int64, error) {
	if req.AnchorObservationID > 0 {
		o, err := e.store.GetObservation(ctx, req.AnchorObservationID)
		if err != nil {
			return 0, fmt.Errorf("resolve timeline anchor %d: %w", req.AnchorObservationID, err)
		}
		return o.CreatedAtEpoch, nil
	}
	if req.AnchorEpoch > 0 {
		return req.AnchorEpoch, nil
	}
	return 0, store.NewValidationError("around", "anchor required")
}

// windowBounds walks Before observations backwards and After observations
// forwards from the anchor and returns the epochs at the walk's ends. With no
// neighbors in a direction the bound stays at the anchor.
func (e *Engine) windowBounds(ctx context.Context, projects []string, req TimelineRequest, anchor int64) (int64, int64, error) {
	from, to := anchor, anchor

	if req.Before > 0 {
		older, err := e.store.QueryObservations(ctx, store.ObservationFilter{
			Projects:    projects,
			ToEpoch:     anchor - 1,
			Viewer:      req.Viewer,
			Limit:       req.Before,
			NewestFirst: true,
		})
		if err != nil {
			return 0, 0, err
		}
		if len(older) > 0 {
			from = older[len(older)-1].CreatedAtEpoch
		}
	}
	if req.After > 0 {
		newer, err := e.store.QueryObservations(ctx, store.ObservationFilter{
			Projects:  projects,
			FromEpoch: anchor + 1,
			Viewer:    req.Viewer,
			Limit:     req.After,
		})
		if err != nil {
			return 0, 0, err
		}
		if len(newer) > 0 {
			to = newer[len(newer)-1].CreatedAtEpoch
		}
	}
	return from, to, nil
}

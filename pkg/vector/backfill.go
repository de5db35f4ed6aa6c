package vector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/claude-mem/claude-mem/pkg/models"
)

const backfillBatchSize = 100

// Records is the slice of the relational store the backfiller reads.
type Records interface {
	ObservationIDsForProject(ctx context.Context, project string) ([]int64, error)
	SummaryIDsForProject(ctx context.Context, project string) ([]int64, error)
	PromptIDsForProject(ctx context.Context, project string) ([]int64, error)
	GetObservationsByIDs(ctx context.Context, ids []int64) ([]*models.Observation, error)
	GetSummariesByIDs(ctx context.Context, ids []int64) ([]*models.SessionSummary, error)
	GetUserPromptsByIDs(ctx context.Context, ids []int64) ([]*models.UserPrompt, error)
}

// Backfiller reconciles the vector collection with the relational rows for a
// project: any row without a corresponding document gets indexed. Failures
// abort the whole backfill; a partial sync must not be reported as done.
type Backfiller struct {
	index   Index
	records Records
}

// NewBackfiller wires an index to its relational source.
func NewBackfiller(index Index, records Records) *Backfiller {
	return &Backfiller{index: index, records: records}
}

// EnsureBackfilled diffs the collection against the store and indexes every
// missing row. Returns the number of documents added.
func (b *Backfiller) EnsureBackfilled(ctx context.Context, project string) (int, error) {
	if err := b.index.EnsureCollection(ctx, project); err != nil {
		return 0, err
	}

	docIDs, err := b.index.ListDocumentIDs(ctx, project, 500)
	if err != nil {
		return 0, fmt.Errorf("list indexed documents: %w", err)
	}

	seen := map[string]map[int64]bool{
		DocObservation: {},
		DocSummary:     {},
		DocPrompt:      {},
	}
	for _, id := range docIDs {
		docType, sqliteID, ok := ParseDocID(id)
		if !ok {
			continue
		}
		seen[docType][sqliteID] = true
	}

	var pending []Document
	added := 0
	flush := func(force bool) error {
		for len(pending) >= backfillBatchSize || (force && len(pending) > 0) {
			n := backfillBatchSize
			if n > len(pending) {
				n = len(pending)
			}
			if err := b.index.AddDocuments(ctx, project, pending[:n]); err != nil {
				return fmt.Errorf("backfill batch: %w", err)
			}
			added += n
			pending = pending[n:]
		}
		return nil
	}

	obsIDs, err := b.records.ObservationIDsForProject(ctx, project)
	if err != nil {
		return 0, err
	}
	observations, err := b.records.GetObservationsByIDs(ctx, missing(obsIDs, seen[DocObservation]))
	if err != nil {
		return 0, err
	}
	for _, o := range observations {
		pending = append(pending, ObservationDocs(o)...)
		if err := flush(false); err != nil {
			return added, err
		}
	}

	sumIDs, err := b.records.SummaryIDsForProject(ctx, project)
	if err != nil {
		return added, err
	}
	summaries, err := b.records.GetSummariesByIDs(ctx, missing(sumIDs, seen[DocSummary]))
	if err != nil {
		return added, err
	}
	for _, sum := range summaries {
		pending = append(pending, SummaryDocs(sum)...)
		if err := flush(false); err != nil {
			return added, err
		}
	}

	promptIDs, err := b.records.PromptIDsForProject(ctx, project)
	if err != nil {
		return added, err
	}
	prompts, err := b.records.GetUserPromptsByIDs(ctx, missing(promptIDs, seen[DocPrompt]))
	if err != nil {
		return added, err
	}
	for _, p := range prompts {
		pending = append(pending, PromptDocs(p, project)...)
		if err := flush(false); err != nil {
			return added, err
		}
	}

	if err := flush(true); err != nil {
		return added, err
	}
	if added > 0 {
		slog.Info("Vector backfill complete", "project", project, "documents", added)
	}
	return added, nil
}

// missing returns the ids not present in the seen set.
func missing(ids []int64, seen map[int64]bool) []int64 {
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Package vector adapts the relational records into a semantic index. Two
// interchangeable backends exist: an in-process embedded store and an HTTP
// client for a standalone server. Both denormalize hierarchical records into
// granular per-field documents for better recall.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/claude-mem/claude-mem/pkg/config"
)

// Index is the semantic retrieval contract. Errors are re-raised to callers:
// the index is a required collaborator, not best-effort. The disabled backend
// turns every operation into a no-op.
type Index interface {
	// EnsureCollection creates the project's collection if missing.
	EnsureCollection(ctx context.Context, project string) error

	// AddDocuments batch-inserts documents into the project's collection.
	AddDocuments(ctx context.Context, project string, docs []Document) error

	// Query runs a similarity search. where filters on metadata equality and
	// may be nil.
	Query(ctx context.Context, project, queryText string, limit int, where map[string]string) ([]QueryResult, error)

	// ListDocumentIDs enumerates every document id in the project's
	// collection, paging internally by pageSize.
	ListDocumentIDs(ctx context.Context, project string, pageSize int) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// New selects a backend from configuration. Mode "auto" probes the HTTP
// server once at startup and falls back to embedded if unreachable; after
// startup the choice is fixed.
func New(ctx context.Context, cfg *config.Config) (Index, error) {
	switch cfg.VectorMode {
	case "disabled":
		return Disabled{}, nil
	case "http":
		idx := newHTTPIndex(cfg.VectorURL)
		if err := idx.ping(ctx); err != nil {
			return nil, fmt.Errorf("vector server unreachable at %s: %w", cfg.VectorURL, err)
		}
		return idx, nil
	case "embedded":
		return newEmbeddedIndex(cfg)
	case "auto":
		idx := newHTTPIndex(cfg.VectorURL)
		if err := idx.ping(ctx); err == nil {
			slog.Info("Vector index using HTTP backend", "url", cfg.VectorURL)
			return idx, nil
		}
		slog.Info("Vector server unreachable, using embedded backend", "url", cfg.VectorURL)
		return newEmbeddedIndex(cfg)
	default:
		return nil, fmt.Errorf("unknown vector mode %q", cfg.VectorMode)
	}
}

var collectionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// collectionName maps a project identifier to its collection. Project names
// come from git remotes and may hold characters collection names reject.
func collectionName(project string) string {
	return "cm__" + collectionSanitizer.ReplaceAllString(project, "_")
}

// Disabled is the no-op backend used when indexing is switched off.
type Disabled struct{}

func (Disabled) EnsureCollection(context.Context, string) error { return nil }

func (Disabled) AddDocuments(context.Context, string, []Document) error { return nil }

func (Disabled) Query(context.Context, string, string, int, map[string]string) ([]QueryResult, error) {
	return nil, nil
}

func (Disabled) ListDocumentIDs(context.Context, string, int) ([]string, error) { return nil, nil }

func (Disabled) Close() error { return nil }

package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/claude-mem/claude-mem/pkg/config"
)

// embeddedIndex is the in-process backend: chromem with gob persistence under
// the data directory. The library offers no document enumeration, so each
// collection keeps a sidecar manifest of its document ids for diffing.
type embeddedIndex struct {
	db       *chromem.DB
	embedder *embedder
	dir      string

	mu        sync.Mutex
	manifests map[string]map[string]struct{}
}

func newEmbeddedIndex(cfg *config.Config) (*embeddedIndex, error) {
	dir := cfg.VectorPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "chromem"), false)
	if err != nil {
		return nil, fmt.Errorf("open embedded vector db: %w", err)
	}
	emb, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return &embeddedIndex{
		db:        db,
		embedder:  emb,
		dir:       dir,
		manifests: make(map[string]map[string]struct{}),
	}, nil
}

func (e *embeddedIndex) collection(project string) (*chromem.Collection, error) {
	name := collectionName(project)
	col, err := e.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return e.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	return col, nil
}

func (e *embeddedIndex) EnsureCollection(_ context.Context, project string) error {
	_, err := e.collection(project)
	return err
}

func (e *embeddedIndex) AddDocuments(ctx context.Context, project string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := e.collection(project)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, doc := range docs {
		err := col.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Text,
			Metadata: doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", doc.ID, err)
		}
	}

	manifest, err := e.manifestLocked(project)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		manifest[doc.ID] = struct{}{}
	}
	return e.saveManifestLocked(project, manifest)
}

func (e *embeddedIndex) Query(ctx context.Context, project, queryText string, limit int, where map[string]string) ([]QueryResult, error) {
	col, err := e.collection(project)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	results, err := col.Query(ctx, queryText, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	out := make([]QueryResult, 0, len(results))
	for _, r := range results {
		out = append(out, QueryResult{
			DocID:    r.ID,
			Distance: 1 - r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

func (e *embeddedIndex) ListDocumentIDs(_ context.Context, project string, _ int) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	manifest, err := e.manifestLocked(project)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(manifest))
	for id := range manifest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *embeddedIndex) Close() error {
	// chromem persists on every change; nothing to flush.
	return nil
}

func (e *embeddedIndex) manifestPath(project string) string {
	return filepath.Join(e.dir, collectionName(project)+".ids.json")
}

func (e *embeddedIndex) manifestLocked(project string) (map[string]struct{}, error) {
	if m, ok := e.manifests[project]; ok {
		return m, nil
	}
	m := make(map[string]struct{})
	data, err := os.ReadFile(e.manifestPath(project))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
	} else {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", e.manifestPath(project), err)
		}
		for _, id := range ids {
			m[id] = struct{}{}
		}
	}
	e.manifests[project] = m
	return m, nil
}

func (e *embeddedIndex) saveManifestLocked(project string, manifest map[string]struct{}) error {
	ids := make([]string, 0, len(manifest))
	for id := range manifest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(e.manifestPath(project), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// httpIndex talks to a standalone Chroma server over its v1 REST API. The
// server computes embeddings with its own configured function, so no local
// embedder is involved.
type httpIndex struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	collections map[string]string // name -> server-side collection id
}

func newHTTPIndex(baseURL string) *httpIndex {
	return &httpIndex{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		collections: make(map[string]string),
	}
}

func (h *httpIndex) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/v1/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat status %d", resp.StatusCode)
	}
	return nil
}

func (h *httpIndex) EnsureCollection(ctx context.Context, project string) error {
	_, err := h.collectionID(ctx, project)
	return err
}

func (h *httpIndex) collectionID(ctx context.Context, project string) (string, error) {
	name := collectionName(project)

	h.mu.Lock()
	if id, ok := h.collections[name]; ok {
		h.mu.Unlock()
		return id, nil
	}
	h.mu.Unlock()

	var out struct {
		ID string `json:"id"`
	}
	err := h.post(ctx, "/api/v1/collections", map[string]any{
		"name":          name,
		"get_or_create": true,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("ensure collection %s: %w", name, err)
	}

	h.mu.Lock()
	h.collections[name] = out.ID
	h.mu.Unlock()
	return out.ID, nil
}

func (h *httpIndex) AddDocuments(ctx context.Context, project string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	id, err := h.collectionID(ctx, project)
	if err != nil {
		return err
	}

	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	metadatas := make([]map[string]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		texts[i] = doc.Text
		metadatas[i] = doc.Metadata
	}

	err = h.post(ctx, "/api/v1/collections/"+id+"/add", map[string]any{
		"ids":       ids,
		"documents": texts,
		"metadatas": metadatas,
	}, nil)
	if err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

func (h *httpIndex) Query(ctx context.Context, project, queryText string, limit int, where map[string]string) ([]QueryResult, error) {
	id, err := h.collectionID(ctx, project)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	body := map[string]any{
		"query_texts": []string{queryText},
		"n_results":   limit,
		"include":     []string{"metadatas", "distances"},
	}
	if len(where) > 0 {
		body["where"] = whereFilter(where)
	}

	var out struct {
		IDs       [][]string            `json:"ids"`
		Distances [][]float32           `json:"distances"`
		Metadatas [][]map[string]string `json:"metadatas"`
	}
	if err := h.post(ctx, "/api/v1/collections/"+id+"/query", body, &out); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if len(out.IDs) == 0 {
		return nil, nil
	}

	results := make([]QueryResult, 0, len(out.IDs[0]))
	for i, docID := range out.IDs[0] {
		r := QueryResult{DocID: docID}
		if len(out.Distances) > 0 && i < len(out.Distances[0]) {
			r.Distance = out.Distances[0][i]
		}
		if len(out.Metadatas) > 0 && i < len(out.Metadatas[0]) {
			r.Metadata = out.Metadatas[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

func (h *httpIndex) ListDocumentIDs(ctx context.Context, project string, pageSize int) ([]string, error) {
	id, err := h.collectionID(ctx, project)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 500
	}

	var all []string
	for offset := 0; ; offset += pageSize {
		var out struct {
			IDs []string `json:"ids"`
		}
		err := h.post(ctx, "/api/v1/collections/"+id+"/get", map[string]any{
			"limit":   pageSize,
			"offset":  offset,
			"include": []string{},
		}, &out)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		all = append(all, out.IDs...)
		if len(out.IDs) < pageSize {
			return all, nil
		}
	}
}

func (h *httpIndex) Close() error { return nil }

// whereFilter wraps equality pairs in the server's operator syntax. A single
// pair passes through; multiple pairs combine under $and.
func whereFilter(where map[string]string) map[string]any {
	if len(where) == 1 {
		for k, v := range where {
			return map[string]any{k: map[string]any{"$eq": v}}
		}
	}
	clauses := make([]map[string]any, 0, len(where))
	for k, v := range where {
		clauses = append(clauses, map[string]any{k: map[string]any{"$eq": v}})
	}
	return map[string]any{"$and": clauses}
}

func (h *httpIndex) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChromaStub(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var requests []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, "collections")
		json.NewEncoder(w).Encode(map[string]string{"id": "col-123", "name": "cm__proj"})
	})
	mux.HandleFunc("/api/v1/collections/col-123/add", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, "add")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/collections/col-123/query", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, "query")
		json.NewEncoder(w).Encode(map[string]any{
			"ids":       [][]string{{"obs_1_narrative", "prompt_2"}},
			"distances": [][]float32{{0.12, 0.4}},
			"metadatas": [][]map[string]string{{
				{"doc_type": DocObservation, "sqlite_id": "1"},
				{"doc_type": DocPrompt, "sqlite_id": "2"},
			}},
		})
	})
	mux.HandleFunc("/api/v1/collections/col-123/get", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, "get")
		var body struct {
			Offset int `json:"offset"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Offset == 0 {
			json.NewEncoder(w).Encode(map[string]any{"ids": []string{"obs_1_narrative", "prompt_2"}})
		} else {
			json.NewEncoder(w).Encode(map[string]any{"ids": []string{}})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestHTTPIndexQuery(t *testing.T) {
	srv, _ := newChromaStub(t)
	idx := newHTTPIndex(srv.URL)
	ctx := context.Background()

	require.NoError(t, idx.ping(ctx))
	require.NoError(t, idx.EnsureCollection(ctx, "proj"))

	results, err := idx.Query(ctx, "proj", "race condition", 5, map[string]string{"doc_type": DocObservation})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "obs_1_narrative", results[0].DocID)
	assert.InDelta(t, 0.12, results[0].Distance, 0.001)
	assert.Equal(t, "1", results[0].Metadata["sqlite_id"])
}

func TestHTTPIndexCachesCollectionID(t *testing.T) {
	srv, requests := newChromaStub(t)
	idx := newHTTPIndex(srv.URL)
	ctx := context.Background()

	require.NoError(t, idx.EnsureCollection(ctx, "proj"))
	require.NoError(t, idx.EnsureCollection(ctx, "proj"))

	count := 0
	for _, r := range *requests {
		if r == "collections" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHTTPIndexAddAndList(t *testing.T) {
	srv, _ := newChromaStub(t)
	idx := newHTTPIndex(srv.URL)
	ctx := context.Background()

	err := idx.AddDocuments(ctx, "proj", []Document{
		{ID: "obs_1_narrative", Text: "text", Metadata: map[string]string{"doc_type": DocObservation}},
	})
	require.NoError(t, err)

	ids, err := idx.ListDocumentIDs(ctx, "proj", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"obs_1_narrative", "prompt_2"}, ids)
}

func TestHTTPIndexPingFailure(t *testing.T) {
	idx := newHTTPIndex("http://127.0.0.1:1")
	assert.Error(t, idx.ping(context.Background()))
}

func TestWhereFilter(t *testing.T) {
	single := whereFilter(map[string]string{"doc_type": "observation"})
	assert.Equal(t, map[string]any{"doc_type": map[string]any{"$eq": "observation"}}, single)

	multi := whereFilter(map[string]string{"a": "1", "b": "2"})
	assert.Contains(t, multi, "$and")
}

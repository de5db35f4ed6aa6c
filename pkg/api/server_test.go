package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/agents"
	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/llm"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/processor"
	"github.com/claude-mem/claude-mem/pkg/project"
	"github.com/claude-mem/claude-mem/pkg/search"
	"github.com/claude-mem/claude-mem/pkg/session"
	"github.com/claude-mem/claude-mem/pkg/store"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

type silentClient struct{}

func (silentClient) Name() string { return "silent" }

func (silentClient) Run(context.Context, []models.ChatMessage) (*llm.Result, error) {
	return &llm.Result{Content: "nothing to record"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerHost:         "127.0.0.1",
		WorkerPort:         0,
		SkipTools:          []string{"TodoWrite"},
		RateLimitPerSecond: 1000,
		RateLimitBurst:     1000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*gin.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mode, err := config.LoadMode(t.TempDir(), "default")
	require.NoError(t, err)

	registry := agents.NewRegistry(st, 90*24*time.Hour, 5*time.Minute, 5)
	engine := search.NewEngine(st, vector.Disabled{}, mode, 10, 0)
	proc := processor.New(st, vector.Disabled{})
	manager := session.NewManager(st, silentClient{}, proc, mode, time.Minute)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	srv := NewServer(cfg, st, registry, engine, manager, project.NewResolver(nil), vector.Disabled{}, nil, nil)
	return srv.Router(), st
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestIngestObservationBootstrap(t *testing.T) {
	router, st := newTestServer(t, testConfig())

	w := doJSON(t, router, http.MethodPost, "/api/ingest/observation", gin.H{
		"contentSessionId": "S1",
		"project":          "example.com/o/r",
		"toolName":         "Read",
		"toolInput":        gin.H{"file_path": "/a.ts"},
		"toolResponse":     "ok",
		"promptNumber":     1,
	}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Greater(t, body["pendingMessageId"].(float64), 0.0)

	sess, err := st.GetSessionByContentID(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "example.com/o/r", sess.Project)
}

func TestIngestSkipsConfiguredTools(t *testing.T) {
	router, st := newTestServer(t, testConfig())

	w := doJSON(t, router, http.MethodPost, "/api/ingest/observation", gin.H{
		"contentSessionId": "S1",
		"project":          "p",
		"toolName":         "TodoWrite",
	}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["skipped"])

	_, err := st.GetSessionByContentID(context.Background(), "S1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestRequiresBodyFields(t *testing.T) {
	router, _ := newTestServer(t, testConfig())

	w := doJSON(t, router, http.MethodPost, "/api/ingest/observation", gin.H{"project": "p"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestAuthAfterFirstAgent(t *testing.T) {
	router, _ := newTestServer(t, testConfig())

	w := doJSON(t, router, http.MethodPost, "/api/agents/register", gin.H{
		"id": "alice@host", "department": "eng",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	key := decode(t, w)["apiKey"].(string)

	// Bootstrap window closed: anonymous ingest is refused now.
	w = doJSON(t, router, http.MethodPost, "/api/ingest/observation", gin.H{
		"contentSessionId": "S1", "project": "p", "toolName": "Read",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/ingest/observation", gin.H{
		"contentSessionId": "S1", "project": "p", "toolName": "Read",
	}, key)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestIngestSummarizeUnknownSession(t *testing.T) {
	router, _ := newTestServer(t, testConfig())

	w := doJSON(t, router, http.MethodPost, "/api/ingest/summarize", gin.H{
		"contentSessionId": "nope", "lastAssistantMessage": "bye",
	}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionPromptNumbering(t *testing.T) {
	router, st := newTestServer(t, testConfig())
	_, err := st.GetOrCreateSession(context.Background(), "S1", "p", "")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/session/prompt", gin.H{
		"contentSessionId": "S1", "promptText": "first",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["promptNumber"])

	w = doJSON(t, router, http.MethodPost, "/api/session/prompt", gin.H{
		"contentSessionId": "S1", "promptText": "second",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["promptNumber"])
}

func insertTestObservation(t *testing.T, st *store.Store, project, title string, vis models.Visibility, epoch int64) *models.Observation {
	t.Helper()
	o := &models.Observation{
		MemorySessionID: "m", Project: project, Type: models.ObservationDiscovery,
		Title: title, Visibility: vis, Agent: "alice@h", Department: "eng",
		CreatedAtEpoch: epoch,
	}
	_, err := st.InsertObservation(context.Background(), o)
	require.NoError(t, err)
	return o
}

func TestSearchEndpoint(t *testing.T) {
	router, st := newTestServer(t, testConfig())
	insertTestObservation(t, st, "p", "row one", models.VisibilityProject, 1000)
	insertTestObservation(t, st, "p", "row two", models.VisibilityProject, 2000)

	w := doJSON(t, router, http.MethodGet, "/api/search?project=p&limit=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["observations"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "row two", list[0].(map[string]any)["title"])
}

func TestGetObservationsHonorsVisibility(t *testing.T) {
	router, st := newTestServer(t, testConfig())
	pub := insertTestObservation(t, st, "p", "public row", models.VisibilityProject, 1000)
	priv := insertTestObservation(t, st, "p", "private row", models.VisibilityPrivate, 2000)

	path := fmt.Sprintf("/api/get_observations?ids=%d,%d", pub.ID, priv.ID)
	w := doJSON(t, router, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["observations"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "public row", list[0].(map[string]any)["title"])
}

func TestTimelineEndpoint(t *testing.T) {
	router, st := newTestServer(t, testConfig())
	for _, epoch := range []int64{10, 20, 30, 40, 50} {
		insertTestObservation(t, st, "p", "row", models.VisibilityProject, epoch)
	}

	w := doJSON(t, router, http.MethodGet, "/api/timeline?around=30&before=1&after=1&project=p", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	assert.Len(t, items, 3)
}

func TestContextEndpoint(t *testing.T) {
	router, st := newTestServer(t, testConfig())
	insertTestObservation(t, st, "p", "the one fact", models.VisibilityProject, 1000)

	w := doJSON(t, router, http.MethodGet, "/api/context?project=p", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "p", body["project"])
	assert.Contains(t, body["context"], "the one fact")
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, testConfig())
	w := doJSON(t, router, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	router, _ := newTestServer(t, testConfig())
	w := doJSON(t, router, http.MethodGet, "/api/readiness", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	router, st := newTestServer(t, testConfig())
	insertTestObservation(t, st, "p", "row", models.VisibilityProject, 1000)

	w := doJSON(t, router, http.MethodGet, "/api/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	obs := body["observations"].(map[string]any)
	assert.Equal(t, 1.0, obs["total"])
	assert.Contains(t, body, "active_sessions")
}

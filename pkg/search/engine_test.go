package search

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/store"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

type fakeIndex struct {
	vector.Disabled
	results map[string][]vector.QueryResult
	queries []string
}

func (f *fakeIndex) Query(_ context.Context, project, queryText string, _ int, _ map[string]string) ([]vector.QueryResult, error) {
	f.queries = append(f.queries, queryText)
	return f.results[project], nil
}

func newTestEngine(t *testing.T, index vector.Index, recencyDays int) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if index == nil {
		index = vector.Disabled{}
	}
	return NewEngine(st, index, nil, 10, recencyDays), st
}

func insertObservation(t *testing.T, st *store.Store, project, title string, epoch int64) *models.Observation {
	t.Helper()
	o := &models.Observation{
		MemorySessionID: "mem-1",
		Project:         project,
		Type:            models.ObservationDiscovery,
		Title:           title,
		CreatedAtEpoch:  epoch,
	}
	_, err := st.InsertObservation(context.Background(), o)
	require.NoError(t, err)
	return o
}

func TestSearchStructuredNewestFirst(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	insertObservation(t, st, "p", "old", 1000)
	insertObservation(t, st, "p", "mid", 2000)
	insertObservation(t, st, "p", "new", 3000)

	out, err := e.Search(context.Background(), Request{Project: "p", Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].Title)
	assert.Equal(t, "mid", out[1].Title)
}

func TestSearchAliasExpansion(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	require.NoError(t, st.RegisterAlias(context.Background(), "mem-claude", "github.com/u/mem-claude"))
	insertObservation(t, st, "mem-claude", "legacy row", 1000)
	insertObservation(t, st, "github.com/u/mem-claude", "current row", 2000)

	out, err := e.Search(context.Background(), Request{Project: "github.com/u/mem-claude"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSearchVisibility(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	ctx := context.Background()

	rows := []*models.Observation{
		{Project: "p", Type: models.ObservationDecision, Title: "private row",
			Agent: "alice@h", Department: "eng", Visibility: models.VisibilityPrivate, MemorySessionID: "m"},
		{Project: "p", Type: models.ObservationDecision, Title: "department row",
			Agent: "alice@h", Department: "eng", Visibility: models.VisibilityDepartment, MemorySessionID: "m"},
		{Project: "p", Type: models.ObservationDecision, Title: "project row",
			Agent: "alice@h", Department: "eng", Visibility: models.VisibilityProject, MemorySessionID: "m"},
	}
	for _, o := range rows {
		_, err := st.InsertObservation(ctx, o)
		require.NoError(t, err)
	}

	bob := &models.Agent{ID: "bob@h", Department: "eng"}
	out, err := e.Search(ctx, Request{Project: "p", Viewer: bob})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	carol := &models.Agent{ID: "carol@h", Department: "mkt"}
	out, err = e.Search(ctx, Request{Project: "p", Viewer: carol})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = e.Search(ctx, Request{Project: "p"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestSearchVectorOrdering(t *testing.T) {
	index := &fakeIndex{results: map[string][]vector.QueryResult{}}
	e, st := newTestEngine(t, index, 0)
	ctx := context.Background()

	a := insertObservation(t, st, "p", "closest", 1000)
	b := insertObservation(t, st, "p", "further", 2000)
	insertObservation(t, st, "p", "unindexed", 3000)

	// b appears twice via granular fact docs; its best distance wins but a
	// still ranks first.
	index.results["p"] = []vector.QueryResult{
		{DocID: fmt.Sprintf("obs_%d_fact_0", b.ID), Distance: 0.5},
		{DocID: fmt.Sprintf("obs_%d_narrative", a.ID), Distance: 0.1},
		{DocID: fmt.Sprintf("obs_%d_fact_1", b.ID), Distance: 0.3},
		{DocID: "garbage", Distance: 0.01},
	}

	out, err := e.Search(ctx, Request{Project: "p", Query: "anything"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "closest", out[0].Title)
	assert.Equal(t, "further", out[1].Title)
}

func TestSearchVectorIntersectsStructuredFilters(t *testing.T) {
	index := &fakeIndex{results: map[string][]vector.QueryResult{}}
	e, st := newTestEngine(t, index, 0)
	ctx := context.Background()

	hit := insertObservation(t, st, "p", "match", 1000)
	miss := &models.Observation{
		MemorySessionID: "m", Project: "p", Type: models.ObservationBugfix,
		Title: "wrong type", CreatedAtEpoch: 2000,
	}
	_, err := st.InsertObservation(ctx, miss)
	require.NoError(t, err)

	index.results["p"] = []vector.QueryResult{
		{DocID: fmt.Sprintf("obs_%d_narrative", miss.ID), Distance: 0.1},
		{DocID: fmt.Sprintf("obs_%d_narrative", hit.ID), Distance: 0.2},
	}

	out, err := e.Search(ctx, Request{
		Project: "p", Query: "anything",
		Types: []models.ObservationType{models.ObservationDiscovery},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "match", out[0].Title)
}

func TestSearchVectorNoHits(t *testing.T) {
	index := &fakeIndex{results: map[string][]vector.QueryResult{}}
	e, st := newTestEngine(t, index, 0)
	insertObservation(t, st, "p", "row", 1000)

	out, err := e.Search(context.Background(), Request{Project: "p", Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSearchRecencyZeroDisablesFilter(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	insertObservation(t, st, "p", "ancient", 1)

	out, err := e.Search(context.Background(), Request{Project: "p"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestSearchRecencyFiltersOldRows(t *testing.T) {
	e, st := newTestEngine(t, nil, 7)
	insertObservation(t, st, "p", "ancient", 1)

	out, err := e.Search(context.Background(), Request{Project: "p"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGetRecentLimit(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	for i := 0; i < 5; i++ {
		insertObservation(t, st, "p", fmt.Sprintf("row %d", i), int64(1000+i))
	}

	out, err := e.GetRecent(context.Background(), "p", nil, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "row 4", out[0].Title)
	for _, o := range out {
		assert.Equal(t, "p", o.Project)
	}
}

package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

func TestContextBlockRendersSections(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	ctx := context.Background()

	o := insertObservation(t, st, "p", "Found the race", 1000)
	o.Facts = []string{"claim is atomic"}
	_, err := st.DB().Exec(`UPDATE observations SET facts = '["claim is atomic"]' WHERE id = ?`, o.ID)
	require.NoError(t, err)

	_, err = st.InsertSummary(ctx, &models.SessionSummary{
		MemorySessionID: "m", Project: "p",
		Learned: "queue claims are atomic", NextSteps: "add metrics", CreatedAtEpoch: 2000,
	})
	require.NoError(t, err)

	_, err = st.GetOrCreateSession(ctx, "sess-1", "p", "first")
	require.NoError(t, err)
	_, err = st.AddUserPrompt(ctx, "sess-1", "check the supervisor", "", "")
	require.NoError(t, err)

	block, err := e.ContextBlock(ctx, "p", nil)
	require.NoError(t, err)

	assert.Contains(t, block, "# Memory: p")
	assert.Contains(t, block, "## Recent observations")
	assert.Contains(t, block, "[discovery] Found the race")
	assert.Contains(t, block, "claim is atomic")
	assert.Contains(t, block, "## Session summaries")
	assert.Contains(t, block, "Learned: queue claims are atomic")
	assert.Contains(t, block, "## Last user prompt")
	assert.Contains(t, block, "check the supervisor")
}

func TestContextBlockDeterministic(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	insertObservation(t, st, "p", "only row", 1000)

	a, err := e.ContextBlock(context.Background(), "p", nil)
	require.NoError(t, err)
	b, err := e.ContextBlock(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestContextBlockEmptyProject(t *testing.T) {
	e, _ := newTestEngine(t, nil, 0)

	block, err := e.ContextBlock(context.Background(), "fresh", nil)
	require.NoError(t, err)
	assert.Contains(t, block, "No stored memory")
}

func TestContextBlockAppliesVocabulary(t *testing.T) {
	_, st := newTestEngine(t, nil, 0)
	ctx := context.Background()

	mode := &config.Mode{
		Name:             "narrow",
		ObservationTypes: []string{"discovery"},
		Concepts:         []string{"how-it-works"},
	}
	e := NewEngine(st, vector.Disabled{}, mode, 10, 0)

	insert := func(typ models.ObservationType, title string, concepts []string, epoch int64) {
		t.Helper()
		_, err := st.InsertObservation(ctx, &models.Observation{
			MemorySessionID: "m", Project: "p", Type: typ,
			Title: title, Concepts: concepts, CreatedAtEpoch: epoch,
		})
		require.NoError(t, err)
	}
	insert(models.ObservationDiscovery, "in vocab", []string{"how-it-works"}, 1000)
	insert(models.ObservationDecision, "wrong type", []string{"how-it-works"}, 2000)
	insert(models.ObservationDiscovery, "wrong concepts", []string{"marketing"}, 3000)
	insert(models.ObservationDiscovery, "no concepts", nil, 4000)

	block, err := e.ContextBlock(ctx, "p", nil)
	require.NoError(t, err)

	assert.Contains(t, block, "in vocab")
	assert.Contains(t, block, "no concepts")
	assert.NotContains(t, block, "wrong type")
	assert.NotContains(t, block, "wrong concepts")
}

func TestContextBlockHonorsVisibility(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	ctx := context.Background()

	_, err := st.InsertObservation(ctx, &models.Observation{
		MemorySessionID: "m", Project: "p", Type: models.ObservationDecision,
		Title: "private row", Agent: "alice@h", Department: "eng",
		Visibility: models.VisibilityPrivate, CreatedAtEpoch: 1000,
	})
	require.NoError(t, err)

	block, err := e.ContextBlock(ctx, "p", nil)
	require.NoError(t, err)
	assert.NotContains(t, block, "private row")
}

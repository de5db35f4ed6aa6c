package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/store"
)

func TestTimelineWindowAroundObservation(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	ctx := context.Background()

	var anchor *models.Observation
	for _, epoch := range []int64{10, 20, 30, 40, 50} {
		o := insertObservation(t, st, "p", "row", epoch)
		if epoch == 30 {
			anchor = o
		}
	}

	items, err := e.Timeline(ctx, TimelineRequest{
		AnchorObservationID: anchor.ID,
		Before:              1,
		After:               1,
		Project:             "p",
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(20), items[0].Epoch)
	assert.Equal(t, int64(30), items[1].Epoch)
	assert.Equal(t, int64(40), items[2].Epoch)
}

func TestTimelineAnchorByEpoch(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)

	for _, epoch := range []int64{10, 20, 30, 40, 50} {
		insertObservation(t, st, "p", "row", epoch)
	}

	items, err := e.Timeline(context.Background(), TimelineRequest{
		AnchorEpoch: 30,
		Before:      2,
		After:       2,
		Project:     "p",
	})
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, int64(10), items[0].Epoch)
	assert.Equal(t, int64(50), items[4].Epoch)
}

func TestTimelineWindowAtEdges(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)

	first := insertObservation(t, st, "p", "first", 10)
	insertObservation(t, st, "p", "second", 20)

	// No older neighbor exists; the window starts at the anchor itself.
	items, err := e.Timeline(context.Background(), TimelineRequest{
		AnchorObservationID: first.ID,
		Before:              3,
		After:               1,
		Project:             "p",
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(10), items[0].Epoch)
	assert.Equal(t, int64(20), items[1].Epoch)
}

func TestTimelineMergesSummariesAndPrompts(t *testing.T) {
	e, st := newTestEngine(t, nil, 0)
	ctx := context.Background()

	anchor := insertObservation(t, st, "p", "anchor", 30)
	insertObservation(t, st, "p", "older", 10)
	insertObservation(t, st, "p", "newer", 50)

	_, err := st.InsertSummary(ctx, &models.SessionSummary{
		MemorySessionID: "m", Project: "p", Learned: "a lot", CreatedAtEpoch: 20,
	})
	require.NoError(t, err)

	_, err = st.GetOrCreateSession(ctx, "sess-1", "p", "hello")
	require.NoError(t, err)
	prompt, err := st.AddUserPrompt(ctx, "sess-1", "please do the thing", "", "")
	require.NoError(t, err)
	// Pin the prompt inside the window.
	_, err = st.DB().Exec(`UPDATE user_prompts SET created_at_epoch = 40 WHERE id = ?`, prompt.ID)
	require.NoError(t, err)

	items, err := e.Timeline(ctx, TimelineRequest{
		AnchorObservationID: anchor.ID,
		Before:              1,
		After:               1,
		Project:             "p",
	})
	require.NoError(t, err)
	require.Len(t, items, 5)

	kinds := make([]string, len(items))
	for i, item := range items {
		kinds[i] = item.Kind
	}
	assert.Equal(t, []string{ItemObservation, ItemSummary, ItemObservation, ItemPrompt, ItemObservation}, kinds)
}

func TestTimelineRequiresAnchor(t *testing.T) {
	e, _ := newTestEngine(t, nil, 0)

	_, err := e.Timeline(context.Background(), TimelineRequest{Project: "p"})
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)
}

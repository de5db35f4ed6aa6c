package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/llm"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

type fakeCommitter struct {
	committed    []*models.Observation
	summary      *models.SessionSummary
	commitMsgID  int64
	commitErr    error
	processedIDs []int64
}

func (f *fakeCommitter) CommitBatch(_ context.Context, id int64, obs []*models.Observation, sum *models.SessionSummary) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commitMsgID = id
	f.committed = obs
	f.summary = sum
	for i, o := range obs {
		o.ID = int64(i + 1)
	}
	if sum != nil {
		sum.ID = 1
	}
	return nil
}

func (f *fakeCommitter) MarkProcessed(_ context.Context, id int64) error {
	f.processedIDs = append(f.processedIDs, id)
	return nil
}

type fakeIndexer struct {
	docs []vector.Document
	err  error
}

func (f *fakeIndexer) AddDocuments(_ context.Context, _ string, docs []vector.Document) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, docs...)
	return nil
}

func testSession() *models.Session {
	return &models.Session{
		ID:               7,
		ContentSessionID: "sess-abc",
		MemorySessionID:  "mem-xyz",
		Project:          "github.com/acme/widget",
	}
}

func testMessage() *models.PendingMessage {
	return &models.PendingMessage{
		ID:               42,
		SessionDBID:      7,
		ContentSessionID: "sess-abc",
		Type:             models.MessageObservation,
		PromptNumber:     3,
		BeadID:           "bead-1",
		Status:           models.MessageProcessing,
	}
}

func TestProcessStampsAndCommits(t *testing.T) {
	store := &fakeCommitter{}
	index := &fakeIndexer{}
	p := New(store, index)

	result, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content:    `<memory><observation type="discovery"><title>T</title><narrative>N</narrative><fact>f1</fact></observation></memory>`,
		TokensUsed: 500,
	})
	require.NoError(t, err)
	require.Len(t, result.Observations, 1)

	obs := result.Observations[0]
	assert.Equal(t, "mem-xyz", obs.MemorySessionID)
	assert.Equal(t, "github.com/acme/widget", obs.Project)
	assert.Equal(t, 3, obs.PromptNumber)
	assert.Equal(t, "bead-1", obs.BeadID)
	assert.Equal(t, 500, obs.DiscoveryTokens)
	assert.Equal(t, models.DefaultAgent, obs.Agent)
	assert.Equal(t, models.DefaultDepartment, obs.Department)
	assert.Equal(t, models.VisibilityProject, obs.Visibility)

	assert.Equal(t, int64(42), store.commitMsgID)
	assert.Empty(t, store.processedIDs)
	assert.NotEmpty(t, index.docs)
}

func TestProcessSplitsTokensAcrossObservations(t *testing.T) {
	store := &fakeCommitter{}
	p := New(store, &fakeIndexer{})

	result, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content: `<memory>
<observation type="decision"><title>A</title></observation>
<observation type="decision"><title>B</title></observation>
<observation type="decision"><title>C</title></observation>
</memory>`,
		TokensUsed: 100,
	})
	require.NoError(t, err)
	require.Len(t, result.Observations, 3)
	for _, o := range result.Observations {
		assert.Equal(t, 33, o.DiscoveryTokens)
	}
}

func TestProcessKeepsExplicitVisibility(t *testing.T) {
	store := &fakeCommitter{}
	p := New(store, &fakeIndexer{})

	result, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content: `<memory><observation type="decision" visibility="department"><title>T</title></observation></memory>`,
	})
	require.NoError(t, err)
	require.Len(t, result.Observations, 1)
	assert.Equal(t, models.VisibilityDepartment, result.Observations[0].Visibility)
}

func TestProcessEmptyResponseCompletesMessage(t *testing.T) {
	store := &fakeCommitter{}
	index := &fakeIndexer{}
	p := New(store, index)

	result, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content: "Nothing notable happened in this tool call.",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Observations)
	assert.Nil(t, result.Summary)
	assert.Equal(t, []int64{42}, store.processedIDs)
	assert.Zero(t, store.commitMsgID)
	assert.Empty(t, index.docs)
}

func TestProcessCommitErrorPropagates(t *testing.T) {
	store := &fakeCommitter{commitErr: errors.New("disk full")}
	index := &fakeIndexer{}
	p := New(store, index)

	_, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content: `<memory><observation type="decision"><title>T</title></observation></memory>`,
	})
	require.Error(t, err)
	// Nothing reaches the index when the commit fails.
	assert.Empty(t, index.docs)
}

func TestProcessIndexErrorIsSwallowed(t *testing.T) {
	store := &fakeCommitter{}
	index := &fakeIndexer{err: errors.New("chroma down")}
	p := New(store, index)

	result, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content: `<memory><observation type="decision"><title>T</title></observation></memory>`,
	})
	require.NoError(t, err)
	require.Len(t, result.Observations, 1)
	require.NotNil(t, store.committed)
}

func TestProcessSummary(t *testing.T) {
	store := &fakeCommitter{}
	p := New(store, &fakeIndexer{})

	result, err := p.Process(context.Background(), testSession(), testMessage(), &llm.Result{
		Content: `<summary><request>R</request><completed>C</completed></summary>`,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Summary)
	assert.Equal(t, "mem-xyz", result.Summary.MemorySessionID)
	assert.Equal(t, "github.com/acme/widget", result.Summary.Project)
	assert.Equal(t, models.VisibilityProject, result.Summary.Visibility)
	require.NotNil(t, store.summary)
}

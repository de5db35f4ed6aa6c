package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/models"
)

func enqueueTestMessage(t *testing.T, s *Store, sess *models.Session, toolName string) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), &models.PendingMessage{
		SessionDBID:      sess.ID,
		ContentSessionID: sess.ContentSessionID,
		Type:             models.MessageObservation,
		ToolName:         toolName,
		ToolInput:        `{"cmd":"ls"}`,
		ToolResponse:     `{"ok":true}`,
		PromptNumber:     1,
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")

	_, err := s.Enqueue(context.Background(), &models.PendingMessage{
		SessionDBID:      sess.ID,
		ContentSessionID: sess.ContentSessionID,
		Type:             "bogus",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestClaimOrder(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	ctx := context.Background()

	first := enqueueTestMessage(t, s, sess, "Bash")
	second := enqueueTestMessage(t, s, sess, "Edit")

	msg, err := s.ClaimNextForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first, msg.ID)
	assert.Equal(t, models.MessageProcessing, msg.Status)
	assert.NotZero(t, msg.StartedProcessingAtEpoch)

	msg, err = s.ClaimNextForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, second, msg.ID)

	_, err = s.ClaimNextForSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNoMessagesAvailable)
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	ctx := context.Background()

	const messages = 5
	for i := 0; i < messages; i++ {
		enqueueTestMessage(t, s, sess, fmt.Sprintf("Tool%d", i))
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := s.ClaimNextForSession(ctx, sess.ID)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, messages)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "message %d claimed %d times", id, n)
	}
}

func TestMarkProcessedNullsPayload(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	ctx := context.Background()

	id := enqueueTestMessage(t, s, sess, "Bash")
	_, err := s.ClaimNextForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, id))

	msg, err := s.GetPendingMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageProcessed, msg.Status)
	assert.Empty(t, msg.ToolInput)
	assert.Empty(t, msg.ToolResponse)
	assert.NotZero(t, msg.CompletedAtEpoch)

	// Already-processed messages cannot be processed again.
	assert.ErrorIs(t, s.MarkProcessed(ctx, id), ErrNotFound)
}

func TestMarkFailedWithRetry(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	ctx := context.Background()

	id := enqueueTestMessage(t, s, sess, "Bash")
	_, err := s.ClaimNextForSession(ctx, sess.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, id, "provider timeout", true))
	msg, err := s.GetPendingMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessagePending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, "provider timeout", msg.Error)

	// Reclaim and fail terminally.
	_, err = s.ClaimNextForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, id, "invalid auth", false))
	msg, err = s.GetPendingMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, msg.Status)
	assert.NotZero(t, msg.FailedAtEpoch)
}

func TestResetStaleProcessing(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	ctx := context.Background()

	id := enqueueTestMessage(t, s, sess, "Bash")
	_, err := s.ClaimNextForSession(ctx, sess.ID)
	require.NoError(t, err)

	// A threshold in the future treats the in-flight message as stale.
	n, err := s.ResetStaleProcessing(ctx, time.Now().UnixMilli()+1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := s.GetPendingMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessagePending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Zero(t, msg.StartedProcessingAtEpoch)
}

func TestEnqueueSignalsWaiter(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")

	ch := s.EnqueueWaiter(sess.ID)
	defer s.ReleaseWaiter(sess.ID, ch)

	enqueueTestMessage(t, s, sess, "Bash")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no enqueue signal received")
	}
}

func TestMarkSessionMessagesFailed(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	other := newTestSession(t, s, "sess-2", "proj")
	ctx := context.Background()

	enqueueTestMessage(t, s, sess, "Bash")
	enqueueTestMessage(t, s, sess, "Edit")
	keep := enqueueTestMessage(t, s, other, "Bash")

	n, err := s.MarkSessionMessagesFailed(ctx, sess.ID, "supervisor died")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msg, err := s.GetPendingMessage(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, models.MessagePending, msg.Status)
}

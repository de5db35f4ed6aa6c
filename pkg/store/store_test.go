package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store, contentID, project string) *models.Session {
	t.Helper()
	sess, err := s.GetOrCreateSession(context.Background(), contentID, project, "initial prompt")
	require.NoError(t, err)
	return sess
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.Ready())

	// All tables the worker depends on must exist after Open.
	for _, table := range []string{
		"sessions", "user_prompts", "pending_messages", "observations",
		"session_summaries", "agents", "audit_log", "project_aliases",
		"conversation_history",
	} {
		var name string
		err := s.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopening an already-migrated database must succeed without error.
	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, s2.Ready())
	require.NoError(t, s2.Close())
}

func TestRepairSchemaDetectsColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct{ table, column string }{
		{"observations", "text"},
		{"observations", "bead_id"},
		{"pending_messages", "bead_id"},
		{"user_prompts", "agent_id"},
		{"user_prompts", "sender_id"},
	} {
		ok, err := s.columnExists(ctx, tc.table, tc.column)
		require.NoError(t, err)
		assert.True(t, ok, "%s.%s", tc.table, tc.column)
	}

	ok, err := s.columnExists(ctx, "observations", "no_such_column")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFreshDatabaseNeedsNoRepair(t *testing.T) {
	// The migrations create the full schema; the repair pass is reserved for
	// databases written by old builds.
	s := newTestStore(t)
	assert.Zero(t, s.repaired)
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("type", "bogus")
	assert.Contains(t, err.Error(), "type")
	assert.Contains(t, err.Error(), "bogus")
}

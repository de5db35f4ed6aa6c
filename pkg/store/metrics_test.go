package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-mem/claude-mem/pkg/models"
)

func TestCollectMetrics(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "sess-1", "proj")
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, testAgent("alice@eng", "cm_aaaaaaaaa")))
	require.NoError(t, s.RecordAgentVerified(ctx, "alice@eng"))
	require.NoError(t, s.CreateAgent(ctx, testAgent("bob@eng", "cm_bbbbbbbbb")))

	require.NoError(t, s.AppendAudit(ctx, &models.AuditLogEntry{AgentID: "bob@eng", Action: "auth_failed"}))
	require.NoError(t, s.AppendAudit(ctx, &models.AuditLogEntry{AgentID: "bob@eng", Action: "lockout"}))

	require.NoError(t, s.RegisterAlias(ctx, "old-a", "proj"))
	require.NoError(t, s.RegisterAlias(ctx, "old-b", "proj"))

	o := testObservation("proj", models.ObservationBugfix)
	o.Visibility = models.VisibilityPublic
	_, err := s.InsertObservation(ctx, o)
	require.NoError(t, err)
	_, err = s.InsertObservation(ctx, testObservation("proj", models.ObservationDiscovery))
	require.NoError(t, err)

	enqueueTestMessage(t, s, sess, "Bash")

	m, err := s.CollectMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Agents.Total)
	assert.Equal(t, 1, m.Agents.Verified)
	assert.Equal(t, 0, m.Agents.Locked)
	assert.Equal(t, 1, m.Agents.Active24h)

	assert.Equal(t, 1, m.Auth.Failed1h)
	assert.Equal(t, 1, m.Auth.Lockouts24h)

	assert.Equal(t, 2, m.Aliases.Total)
	assert.Equal(t, 2.0, m.Aliases.PerProjectAvg)
	assert.Equal(t, 2, m.Aliases.PerProjectMax)

	assert.Equal(t, 2, m.Observations.Total)
	assert.Equal(t, 1, m.Observations.ByVisibility["public"])
	assert.Equal(t, 1, m.Observations.ByVisibility["project"])

	assert.Equal(t, 1, m.PendingCount)
}

func TestCountAuditEventsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.AuditLogEntry{AgentID: "alice@eng", Action: "auth_failed", CreatedAtEpoch: 1000}
	require.NoError(t, s.AppendAudit(ctx, entry))
	assert.NotZero(t, entry.ID)

	n, err := s.CountAuditEvents(ctx, "auth_failed", 500, 1500)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Half-open window: the upper bound is exclusive.
	n, err = s.CountAuditEvents(ctx, "auth_failed", 500, 1000)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.CountAuditEvents(ctx, "", 0, time.Now().UnixMilli()+1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecentAuditEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, event := range []string{"registered", "auth_failed", "verified"} {
		require.NoError(t, s.AppendAudit(ctx, &models.AuditLogEntry{
			AgentID:        "alice@eng",
			Action:         event,
			CreatedAtEpoch: int64(1000 + i),
		}))
	}

	entries, err := s.RecentAuditEntries(ctx, "alice@eng", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "verified", entries[0].Action)
	assert.Equal(t, "auth_failed", entries[1].Action)
}

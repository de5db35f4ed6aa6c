package store

import (
	"context"
	"fmt"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// AgentMetrics aggregates registry health.
type AgentMetrics struct {
	Total     int `json:"total"`
	Verified  int `json:"verified"`
	Locked    int `json:"locked"`
	Active24h int `json:"active_24h"`
}

// AuthMetrics aggregates recent authentication activity.
type AuthMetrics struct {
	Failed1h    int `json:"failed_1h"`
	Lockouts24h int `json:"lockouts_24h"`
}

// AliasMetrics aggregates project alias coverage.
type AliasMetrics struct {
	Total         int     `json:"total"`
	PerProjectAvg float64 `json:"per_project_avg"`
	PerProjectMax int     `json:"per_project_max"`
}

// ObservationMetrics aggregates the observation corpus.
type ObservationMetrics struct {
	Total        int            `json:"total"`
	ByVisibility map[string]int `json:"by_visibility"`
}

// Metrics is the /api/metrics payload.
type Metrics struct {
	Agents       AgentMetrics       `json:"agents"`
	Auth         AuthMetrics        `json:"auth"`
	Aliases      AliasMetrics       `json:"aliases"`
	Observations ObservationMetrics `json:"observations"`
	PendingCount int                `json:"pending_count"`
}

// CollectMetrics gathers the operational aggregates in one pass. Each block
// is a separate query; a failure in any aborts the collection.
func (s *Store) CollectMetrics(ctx context.Context) (*Metrics, error) {
	now := nowEpoch()
	dayAgo := now - 24*time.Hour.Milliseconds()
	hourAgo := now - time.Hour.Milliseconds()

	var m Metrics

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(verified), 0),
			COALESCE(SUM(CASE WHEN locked_until_epoch IS NOT NULL AND locked_until_epoch > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_seen_at_epoch IS NOT NULL AND last_seen_at_epoch >= ? THEN 1 ELSE 0 END), 0)
		 FROM agents`, now, dayAgo).
		Scan(&m.Agents.Total, &m.Agents.Verified, &m.Agents.Locked, &m.Agents.Active24h)
	if err != nil {
		return nil, fmt.Errorf("agent metrics: %w", err)
	}

	if m.Auth.Failed1h, err = s.CountAuditEvents(ctx, models.AuditAuthFailed, hourAgo, now+1); err != nil {
		return nil, err
	}
	if m.Auth.Lockouts24h, err = s.CountAuditEvents(ctx, models.AuditLockout, dayAgo, now+1); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cnt), 0),
			COALESCE(AVG(cnt), 0),
			COALESCE(MAX(cnt), 0)
		 FROM (SELECT COUNT(*) AS cnt FROM project_aliases GROUP BY new_project)`).
		Scan(&m.Aliases.Total, &m.Aliases.PerProjectAvg, &m.Aliases.PerProjectMax)
	if err != nil {
		return nil, fmt.Errorf("alias metrics: %w", err)
	}

	m.Observations.ByVisibility = make(map[string]int)
	rows, err := s.db.QueryContext(ctx, `SELECT visibility, COUNT(*) FROM observations GROUP BY visibility`)
	if err != nil {
		return nil, fmt.Errorf("observation metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			vis string
			n   int
		)
		if err := rows.Scan(&vis, &n); err != nil {
			return nil, err
		}
		m.Observations.ByVisibility[vis] = n
		m.Observations.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE status = 'pending'`).Scan(&m.PendingCount); err != nil {
		return nil, fmt.Errorf("pending count: %w", err)
	}
	return &m, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// AppendAudit records one authentication or registry event. Rows are
// immutable once written.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.CreatedAtEpoch == 0 {
		entry.CreatedAtEpoch = nowEpoch()
	}
	res, err := s.execRetry(ctx,
		`INSERT INTO audit_log (agent_id, action, resource_type, resource_id, details, ip_address, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.AgentID, entry.Action, nullable(entry.ResourceType), nullable(entry.ResourceID),
		nullable(entry.Details), nullable(entry.IPAddress), entry.CreatedAtEpoch)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// CountAuditEvents returns the number of events with the given action within
// [fromEpoch, toEpoch). An empty action counts everything in the window.
func (s *Store) CountAuditEvents(ctx context.Context, action string, fromEpoch, toEpoch int64) (int, error) {
	query := `SELECT COUNT(*) FROM audit_log WHERE created_at_epoch >= ? AND created_at_epoch < ?`
	args := []any{fromEpoch, toEpoch}
	if action != "" {
		query += ` AND action = ?`
		args = append(args, action)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// RecentAuditEntries returns the newest entries for an agent, most recent
// first.
func (s *Store) RecentAuditEntries(ctx context.Context, agentID string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, action, resource_type, resource_id, details, ip_address, created_at_epoch
		 FROM audit_log WHERE agent_id = ? ORDER BY created_at_epoch DESC, id DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var (
			e                               models.AuditLogEntry
			resType, resID, details, ipAddr sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &resType, &resID, &details, &ipAddr, &e.CreatedAtEpoch); err != nil {
			return nil, err
		}
		e.ResourceType = resType.String
		e.ResourceID = resID.String
		e.Details = details.String
		e.IPAddress = ipAddr.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

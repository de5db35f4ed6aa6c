package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// CreateAgent inserts a new agent row. Key material (prefix and hash) is
// produced by the registry; the store never sees plaintext keys.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.CreatedAtEpoch == 0 {
		a.CreatedAtEpoch = nowEpoch()
	}
	_, err := s.execRetry(ctx,
		`INSERT INTO agents (
			id, department, permissions, api_key_prefix, api_key_hash,
			created_at_epoch, expires_at_epoch, verified, spawned_by, bead_id, role
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Department, a.Permissions, nullable(a.APIKeyPrefix), nullable(a.APIKeyHash),
		a.CreatedAtEpoch, nullableInt(a.ExpiresAtEpoch), boolInt(a.Verified),
		nullable(a.SpawnedBy), nullable(a.BeadID), nullable(a.Role))
	if err != nil {
		return fmt.Errorf("create agent: %w", mapConstraintError(err))
	}
	return nil
}

// CountAgents reports how many agents are registered. The HTTP layer uses it
// to decide whether loopback bootstrap access still applies.
func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, agentColumns+` WHERE id = ?`, id))
}

// GetAgentByKeyPrefix fetches an agent by the first 12 characters of its API
// key, the O(1) authentication path.
func (s *Store) GetAgentByKeyPrefix(ctx context.Context, prefix string) (*models.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, agentColumns+` WHERE api_key_prefix = ?`, prefix))
}

// RecordAgentVerified resets failure tracking after a successful key check.
func (s *Store) RecordAgentVerified(ctx context.Context, id string) error {
	_, err := s.execRetry(ctx,
		`UPDATE agents SET verified = 1, failed_attempts = 0, locked_until_epoch = NULL,
		 last_seen_at_epoch = ? WHERE id = ?`, nowEpoch(), id)
	if err != nil {
		return fmt.Errorf("record verified: %w", err)
	}
	return nil
}

// RecordAgentFailure increments the failure counter and locks the agent when
// the threshold is reached. Returns the post-increment count and whether the
// call locked the agent.
func (s *Store) RecordAgentFailure(ctx context.Context, id string, maxAttempts int, lockedUntilEpoch int64) (int, bool, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE agents SET failed_attempts = failed_attempts + 1 WHERE id = ? RETURNING failed_attempts`,
		id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("record failure: %w", err)
	}

	if attempts >= maxAttempts {
		if _, err := s.execRetry(ctx,
			`UPDATE agents SET locked_until_epoch = ? WHERE id = ?`, lockedUntilEpoch, id); err != nil {
			return attempts, false, fmt.Errorf("lock agent: %w", err)
		}
		return attempts, true, nil
	}
	return attempts, false, nil
}

// RotateAgentKey atomically swaps the key prefix, hash, and expiry.
func (s *Store) RotateAgentKey(ctx context.Context, id, prefix, hash string, expiresAtEpoch int64) error {
	res, err := s.execRetry(ctx,
		`UPDATE agents SET api_key_prefix = ?, api_key_hash = ?, expires_at_epoch = ?,
		 failed_attempts = 0, locked_until_epoch = NULL WHERE id = ?`,
		prefix, hash, nullableInt(expiresAtEpoch), id)
	if err != nil {
		return fmt.Errorf("rotate key: %w", mapConstraintError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAgentKey clears the key material, leaving the agent unauthenticable.
func (s *Store) RevokeAgentKey(ctx context.Context, id string) error {
	res, err := s.execRetry(ctx,
		`UPDATE agents SET api_key_prefix = NULL, api_key_hash = NULL, verified = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const agentColumns = `SELECT id, department, permissions, api_key_prefix, api_key_hash,
	created_at_epoch, last_seen_at_epoch, expires_at_epoch, verified,
	failed_attempts, locked_until_epoch, spawned_by, bead_id, role FROM agents`

func (s *Store) scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a                         models.Agent
		prefix, hash              sql.NullString
		lastSeen, expires, locked sql.NullInt64
		spawnedBy, beadID, role   sql.NullString
		verified                  int
	)
	err := row.Scan(&a.ID, &a.Department, &a.Permissions, &prefix, &hash,
		&a.CreatedAtEpoch, &lastSeen, &expires, &verified,
		&a.FailedAttempts, &locked, &spawnedBy, &beadID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.APIKeyPrefix = prefix.String
	a.APIKeyHash = hash.String
	a.LastSeenAtEpoch = lastSeen.Int64
	a.ExpiresAtEpoch = expires.Int64
	a.LockedUntilEpoch = locked.Int64
	a.Verified = verified != 0
	a.SpawnedBy = spawnedBy.String
	a.BeadID = beadID.String
	a.Role = role.String
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

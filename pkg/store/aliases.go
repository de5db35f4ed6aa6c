package store

import (
	"context"
	"fmt"
)

// RegisterAlias records (oldProject, newProject). Idempotent: re-registering
// an existing pair is a no-op. Self-aliases are ignored.
func (s *Store) RegisterAlias(ctx context.Context, oldProject, newProject string) error {
	if oldProject == "" || newProject == "" {
		return NewValidationError("alias", "both project names required")
	}
	if oldProject == newProject {
		return nil
	}
	_, err := s.execRetry(ctx,
		`INSERT INTO project_aliases (old_project, new_project, created_at_epoch)
		 VALUES (?, ?, ?)
		 ON CONFLICT (old_project, new_project) DO NOTHING`,
		oldProject, newProject, nowEpoch())
	if err != nil {
		return fmt.Errorf("register alias: %w", mapConstraintError(err))
	}
	return nil
}

// ProjectsWithAliases returns project followed by every legacy name aliased
// to it, deduplicated, capped at maxAliases legacy entries. The result always
// begins with the input project.
func (s *Store) ProjectsWithAliases(ctx context.Context, project string, maxAliases int) ([]string, error) {
	out := []string{project}
	if project == "" {
		return out, nil
	}
	if maxAliases <= 0 {
		maxAliases = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT old_project FROM project_aliases WHERE new_project = ?
		 ORDER BY created_at_epoch DESC LIMIT ?`, project, maxAliases)
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{project: true}
	for rows.Next() {
		var old string
		if err := rows.Scan(&old); err != nil {
			return nil, err
		}
		if !seen[old] {
			seen[old] = true
			out = append(out, old)
		}
	}
	return out, rows.Err()
}

// CleanupAliases deletes alias rows older than the cutoff. Returns the count
// removed.
func (s *Store) CleanupAliases(ctx context.Context, olderThanEpoch int64) (int64, error) {
	res, err := s.execRetry(ctx,
		`DELETE FROM project_aliases WHERE created_at_epoch < ?`, olderThanEpoch)
	if err != nil {
		return 0, fmt.Errorf("cleanup aliases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

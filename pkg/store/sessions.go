package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// GetOrCreateSession returns the session for contentSessionID, creating it in
// "active" status if absent. Creation is idempotent under concurrent ingest:
// a unique-constraint race falls back to the existing row.
func (s *Store) GetOrCreateSession(ctx context.Context, contentSessionID, project, userPrompt string) (*models.Session, error) {
	if contentSessionID == "" {
		return nil, NewValidationError("content_session_id", "required")
	}

	if sess, err := s.GetSessionByContentID(ctx, contentSessionID); err == nil {
		return sess, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err := s.execRetry(ctx,
		`INSERT INTO sessions (content_session_id, project, user_prompt, started_at_epoch, status)
		 VALUES (?, ?, ?, ?, 'active')
		 ON CONFLICT (content_session_id) DO NOTHING`,
		contentSessionID, project, nullable(userPrompt), nowEpoch())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", mapConstraintError(err))
	}

	return s.GetSessionByContentID(ctx, contentSessionID)
}

// GetSessionByContentID looks a session up by the host assistant's id.
func (s *Store) GetSessionByContentID(ctx context.Context, contentSessionID string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE content_session_id = ?`, contentSessionID))
}

// GetSessionByMemoryID looks a session up by the memory agent's own id.
func (s *Store) GetSessionByMemoryID(ctx context.Context, memorySessionID string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE memory_session_id = ?`, memorySessionID))
}

// GetSessionByID looks a session up by database id.
func (s *Store) GetSessionByID(ctx context.Context, id int64) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id))
}

// SetMemorySessionID records the LLM conversation id assigned on the first
// successful round-trip. It is a no-op when already set to the same value.
func (s *Store) SetMemorySessionID(ctx context.Context, sessionDBID int64, memorySessionID string) error {
	_, err := s.execRetry(ctx,
		`UPDATE sessions SET memory_session_id = ? WHERE id = ? AND (memory_session_id IS NULL OR memory_session_id = ?)`,
		memorySessionID, sessionDBID, memorySessionID)
	if err != nil {
		return fmt.Errorf("set memory session id: %w", mapConstraintError(err))
	}
	return nil
}

// UpdateSessionStatus transitions a session's lifecycle status, stamping
// completed_at_epoch for terminal states.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionDBID int64, status models.SessionStatus) error {
	var completedAt any
	if status == models.SessionCompleted || status == models.SessionFailed {
		completedAt = nowEpoch()
	}
	res, err := s.execRetry(ctx,
		`UPDATE sessions SET status = ?, completed_at_epoch = COALESCE(?, completed_at_epoch) WHERE id = ?`,
		string(status), completedAt, sessionDBID)
	if err != nil {
		return fmt.Errorf("update session status: %w", mapConstraintError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSessions returns sessions currently in "active" status.
func (s *Store) ActiveSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionColumns+` WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := s.scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const sessionColumns = `SELECT id, content_session_id, memory_session_id, project, user_prompt,
	started_at_epoch, completed_at_epoch, status, prompt_counter FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess             models.Session
		memoryID, prompt sql.NullString
		completedAt      sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.ContentSessionID, &memoryID, &sess.Project, &prompt,
		&sess.StartedAtEpoch, &completedAt, &sess.Status, &sess.PromptCounter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.MemorySessionID = memoryID.String
	sess.UserPrompt = prompt.String
	sess.CompletedAtEpoch = completedAt.Int64
	return &sess, nil
}

func (s *Store) scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	return s.scanSession(rows)
}

// AddUserPrompt appends a user prompt, assigning the next prompt number and
// bumping the session's counter in one transaction. Returns the stored prompt.
func (s *Store) AddUserPrompt(ctx context.Context, contentSessionID, promptText, agentID, senderID string) (*models.UserPrompt, error) {
	if promptText == "" {
		return nil, NewValidationError("prompt_text", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var promptNumber int
	err = tx.QueryRowContext(ctx,
		`UPDATE sessions SET prompt_counter = prompt_counter + 1
		 WHERE content_session_id = ? RETURNING prompt_counter`,
		contentSessionID).Scan(&promptNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bump prompt counter: %w", err)
	}

	prompt := &models.UserPrompt{
		ContentSessionID: contentSessionID,
		PromptNumber:     promptNumber,
		PromptText:       promptText,
		AgentID:          agentID,
		SenderID:         senderID,
		CreatedAtEpoch:   nowEpoch(),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_prompts (content_session_id, prompt_number, prompt_text, agent_id, sender_id, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		contentSessionID, promptNumber, promptText, nullable(agentID), nullable(senderID), prompt.CreatedAtEpoch)
	if err != nil {
		return nil, fmt.Errorf("insert prompt: %w", mapConstraintError(err))
	}
	prompt.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prompt: %w", err)
	}
	return prompt, nil
}

// CountUserPrompts returns the number of prompts recorded for a session.
func (s *Store) CountUserPrompts(ctx context.Context, contentSessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_prompts WHERE content_session_id = ?`, contentSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prompts: %w", err)
	}
	return n, nil
}

// GetUserPromptsByIDs fetches prompts by id, in input order; missing ids are
// skipped.
func (s *Store) GetUserPromptsByIDs(ctx context.Context, ids []int64) ([]*models.UserPrompt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		promptColumns+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query prompts by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.UserPrompt, len(ids))
	for rows.Next() {
		p, err := s.scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.UserPrompt, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// LastUserPrompt returns the most recent prompt for a session, or ErrNotFound.
func (s *Store) LastUserPrompt(ctx context.Context, contentSessionID string) (*models.UserPrompt, error) {
	return s.scanPrompt(s.db.QueryRowContext(ctx,
		promptColumns+` WHERE content_session_id = ? ORDER BY prompt_number DESC LIMIT 1`,
		contentSessionID))
}

// SearchUserPrompts runs an FTS5 full-text query over prompt text.
func (s *Store) SearchUserPrompts(ctx context.Context, query string, limit int) ([]*models.UserPrompt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		promptColumns+` WHERE id IN (SELECT rowid FROM user_prompts_fts WHERE user_prompts_fts MATCH ?)
		 ORDER BY created_at_epoch DESC LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search prompts: %w", err)
	}
	defer rows.Close()

	var out []*models.UserPrompt
	for rows.Next() {
		p, err := s.scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UserPromptsBetween returns prompts in an epoch window, oldest first,
// optionally restricted to a set of projects (via their sessions).
func (s *Store) UserPromptsBetween(ctx context.Context, projects []string, fromEpoch, toEpoch int64) ([]*models.UserPrompt, error) {
	query := promptColumns + ` WHERE created_at_epoch >= ? AND created_at_epoch <= ?`
	args := []any{fromEpoch, toEpoch}
	if len(projects) > 0 {
		query += ` AND content_session_id IN (SELECT content_session_id FROM sessions WHERE project IN (` + placeholders(len(projects)) + `))`
		for _, p := range projects {
			args = append(args, p)
		}
	}
	query += ` ORDER BY created_at_epoch ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	var out []*models.UserPrompt
	for rows.Next() {
		p, err := s.scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const promptColumns = `SELECT id, content_session_id, prompt_number, prompt_text, agent_id, sender_id, created_at_epoch FROM user_prompts`

func (s *Store) scanPrompt(row rowScanner) (*models.UserPrompt, error) {
	var (
		p                 models.UserPrompt
		agentID, senderID sql.NullString
	)
	err := row.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &agentID, &senderID, &p.CreatedAtEpoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	p.AgentID = agentID.String
	p.SenderID = senderID.String
	return &p, nil
}

// placeholders builds "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ", "...)
		}
		out = append(out, '?')
	}
	return string(out)
}

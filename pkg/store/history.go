package store

import (
	"context"
	"fmt"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// SaveConversationHistory replaces the persisted chat history for a session.
// The supervisor calls this after each round-trip so a restart can resume the
// conversation instead of starting cold.
func (s *Store) SaveConversationHistory(ctx context.Context, contentSessionID string, history []models.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_history WHERE content_session_id = ?`, contentSessionID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for i, msg := range history {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_history (content_session_id, seq, role, content) VALUES (?, ?, ?, ?)`,
			contentSessionID, i, msg.Role, msg.Content); err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// LoadConversationHistory returns the persisted chat history in order, or an
// empty slice when none was saved.
func (s *Store) LoadConversationHistory(ctx context.Context, contentSessionID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM conversation_history WHERE content_session_id = ? ORDER BY seq ASC`,
		contentSessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

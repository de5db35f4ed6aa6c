package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// Enqueue appends a durable pending message for a session and signals any
// supervisor iterator waiting on that session.
func (s *Store) Enqueue(ctx context.Context, msg *models.PendingMessage) (int64, error) {
	if !msg.Type.ValidType() {
		return 0, NewValidationError("message_type", string(msg.Type))
	}

	res, err := s.execRetry(ctx,
		`INSERT INTO pending_messages (
			session_db_id, content_session_id, message_type, tool_name, tool_input,
			tool_response, cwd, last_user_message, last_assistant_message,
			prompt_number, bead_id, status, created_at_epoch
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		msg.SessionDBID, msg.ContentSessionID, string(msg.Type),
		nullable(msg.ToolName), nullable(msg.ToolInput), nullable(msg.ToolResponse),
		nullable(msg.CWD), nullable(msg.LastUserMessage), nullable(msg.LastAssistantMessage),
		nullableInt(int64(msg.PromptNumber)), nullable(msg.BeadID), nowEpoch())
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", mapConstraintError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue message id: %w", err)
	}
	s.signalEnqueue(msg.SessionDBID)
	return id, nil
}

// ClaimNextForSession atomically transitions the oldest pending message for a
// session to processing and returns it. Returns ErrNoMessagesAvailable when
// the session's queue is empty. Two concurrent claimers see at most one
// successful claim per message: the transition predicate re-checks status
// inside a single UPDATE statement.
func (s *Store) ClaimNextForSession(ctx context.Context, sessionDBID int64) (*models.PendingMessage, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE pending_messages
		 SET status = 'processing', started_processing_at_epoch = ?
		 WHERE id = (
			SELECT id FROM pending_messages
			WHERE session_db_id = ? AND status = 'pending'
			ORDER BY created_at_epoch ASC, id ASC
			LIMIT 1
		 ) AND status = 'pending'
		 RETURNING id`,
		nowEpoch(), sessionDBID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMessagesAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}

	return s.GetPendingMessage(ctx, id)
}

// GetPendingMessage fetches one message by id.
func (s *Store) GetPendingMessage(ctx context.Context, id int64) (*models.PendingMessage, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx, messageColumns+` WHERE id = ?`, id))
}

// MarkProcessed transitions a message from processing to processed, nulling
// the tool payload to reclaim space. Exposed for callers outside the atomic
// observation-commit path; the ResponseProcessor uses CommitBatch instead.
func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	res, err := s.execRetry(ctx,
		`UPDATE pending_messages
		 SET status = 'processed', completed_at_epoch = ?, tool_input = NULL, tool_response = NULL
		 WHERE id = ? AND status = 'processing'`,
		nowEpoch(), id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failure. With retry=true the message returns to
// pending with an incremented retry count; otherwise it lands in failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string, retry bool) error {
	var (
		res sql.Result
		err error
	)
	if retry {
		res, err = s.execRetry(ctx,
			`UPDATE pending_messages
			 SET status = 'pending', retry_count = retry_count + 1, error = ?,
			     started_processing_at_epoch = NULL
			 WHERE id = ? AND status IN ('pending', 'processing')`,
			nullable(reason), id)
	} else {
		res, err = s.execRetry(ctx,
			`UPDATE pending_messages
			 SET status = 'failed', error = ?, failed_at_epoch = ?
			 WHERE id = ? AND status IN ('pending', 'processing')`,
			nullable(reason), nowEpoch(), id)
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if retry {
		if msg, err := s.GetPendingMessage(ctx, id); err == nil {
			s.signalEnqueue(msg.SessionDBID)
		}
	}
	return nil
}

// MarkSessionMessagesFailed fails every unfinished message for a session.
// Used when a supervisor dies unrecoverably.
func (s *Store) MarkSessionMessagesFailed(ctx context.Context, sessionDBID int64, reason string) (int64, error) {
	res, err := s.execRetry(ctx,
		`UPDATE pending_messages
		 SET status = 'failed', error = ?, failed_at_epoch = ?
		 WHERE session_db_id = ? AND status IN ('pending', 'processing')`,
		nullable(reason), nowEpoch(), sessionDBID)
	if err != nil {
		return 0, fmt.Errorf("fail session messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetStaleProcessing returns to pending any processing-state message older
// than the threshold. Run once on startup: a message stuck in processing
// means a previous worker died mid-flight.
func (s *Store) ResetStaleProcessing(ctx context.Context, thresholdEpoch int64) (int64, error) {
	res, err := s.execRetry(ctx,
		`UPDATE pending_messages
		 SET status = 'pending', started_processing_at_epoch = NULL, retry_count = retry_count + 1
		 WHERE status = 'processing' AND started_processing_at_epoch < ?`,
		thresholdEpoch)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Reset stale processing messages", "count", n)
	}
	return n, nil
}

// PendingCount returns the number of pending messages for a session.
func (s *Store) PendingCount(ctx context.Context, sessionDBID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE session_db_id = ? AND status = 'pending'`,
		sessionDBID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// EnqueueWaiter returns a channel signalled (with buffer 1) whenever a
// message is enqueued for the session. Release with ReleaseWaiter.
func (s *Store) EnqueueWaiter(sessionDBID int64) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.listeners[sessionDBID] = append(s.listeners[sessionDBID], ch)
	s.mu.Unlock()
	return ch
}

// ReleaseWaiter removes a channel registered with EnqueueWaiter.
func (s *Store) ReleaseWaiter(sessionDBID int64, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.listeners[sessionDBID]
	for i, w := range waiters {
		if w == ch {
			s.listeners[sessionDBID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.listeners[sessionDBID]) == 0 {
		delete(s.listeners, sessionDBID)
	}
}

func (s *Store) signalEnqueue(sessionDBID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners[sessionDBID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

const messageColumns = `SELECT id, session_db_id, content_session_id, message_type, tool_name,
	tool_input, tool_response, cwd, last_user_message, last_assistant_message,
	prompt_number, bead_id, status, retry_count, error, created_at_epoch,
	started_processing_at_epoch, completed_at_epoch, failed_at_epoch
	FROM pending_messages`

func (s *Store) scanMessage(row rowScanner) (*models.PendingMessage, error) {
	var (
		m                                       models.PendingMessage
		toolName, toolInput, toolResponse, cwd  sql.NullString
		lastUser, lastAssistant, beadID, errMsg sql.NullString
		promptNumber                            sql.NullInt64
		startedAt, completedAt, failedAt        sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.SessionDBID, &m.ContentSessionID, &m.Type, &toolName,
		&toolInput, &toolResponse, &cwd, &lastUser, &lastAssistant,
		&promptNumber, &beadID, &m.Status, &m.RetryCount, &errMsg, &m.CreatedAtEpoch,
		&startedAt, &completedAt, &failedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.ToolName = toolName.String
	m.ToolInput = toolInput.String
	m.ToolResponse = toolResponse.String
	m.CWD = cwd.String
	m.LastUserMessage = lastUser.String
	m.LastAssistantMessage = lastAssistant.String
	m.BeadID = beadID.String
	m.Error = errMsg.String
	m.PromptNumber = int(promptNumber.Int64)
	m.StartedProcessingAtEpoch = startedAt.Int64
	m.CompletedAtEpoch = completedAt.Int64
	m.FailedAtEpoch = failedAt.Int64
	return &m, nil
}

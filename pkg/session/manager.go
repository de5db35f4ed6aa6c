// Package session runs one supervisor goroutine per active coding session.
// A supervisor owns the session's LLM conversation: it claims queued messages
// in order, drives the round-trip, and hands responses to the processor.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/llm"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/processor"
	"github.com/claude-mem/claude-mem/pkg/store"
)

// maxMessageRetries bounds how often a message returns to pending after LLM
// failures before it lands in failed for good.
const maxMessageRetries = 3

// pollInterval is the iterator's re-poll cadence when the enqueue signal is
// missed (e.g. a message returned to pending by another path).
const pollInterval = 2 * time.Second

// retryBackoff is the base delay before re-claiming a message after a
// recoverable LLM failure; the wait grows linearly with the retry count.
// A variable so tests can shrink it.
var retryBackoff = 2 * time.Second

// Manager tracks at most one supervisor per session and owns their lifecycle.
type Manager struct {
	store       *store.Store
	client      llm.Client
	proc        *processor.Processor
	mode        *config.Mode
	idleTimeout time.Duration

	mu     sync.Mutex
	tasks  map[int64]*supervisor
	closed bool
	wg     sync.WaitGroup
}

func NewManager(st *store.Store, client llm.Client, proc *processor.Processor, mode *config.Mode, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:       st,
		client:      client,
		proc:        proc,
		mode:        mode,
		idleTimeout: idleTimeout,
		tasks:       make(map[int64]*supervisor),
	}
}

// Notify ensures a supervisor is running for the session. Safe to call on
// every enqueue; an already-running supervisor is left alone.
func (m *Manager) Notify(session *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, running := m.tasks[session.ID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := &supervisor{
		manager: m,
		session: session,
		cancel:  cancel,
	}
	m.tasks[session.ID] = sup
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.remove(session.ID)
		sup.run(ctx)
	}()
}

// Cancel aborts the supervisor for a session, if any. The in-flight message
// returns to pending.
func (m *Manager) Cancel(sessionDBID int64) {
	m.mu.Lock()
	sup := m.tasks[sessionDBID]
	m.mu.Unlock()
	if sup != nil {
		sup.cancel()
	}
}

// ActiveCount reports how many supervisors are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown cancels every supervisor and waits for them to unwind.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, sup := range m.tasks {
		sup.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) remove(sessionDBID int64) {
	m.mu.Lock()
	delete(m.tasks, sessionDBID)
	m.mu.Unlock()
}

// supervisor is the cooperative per-session task.
type supervisor struct {
	manager *Manager
	session *models.Session
	cancel  context.CancelFunc

	history               []models.ChatMessage
	cumulativeInputTokens int
}

func (s *supervisor) run(ctx context.Context) {
	m := s.manager
	log := slog.With("content_session_id", s.session.ContentSessionID, "session_db_id", s.session.ID)

	history, err := m.store.LoadConversationHistory(ctx, s.session.ContentSessionID)
	if err != nil {
		log.Error("Failed to load conversation history", "error", err)
		return
	}
	s.history = history

	waiter := m.store.EnqueueWaiter(s.session.ID)
	defer m.store.ReleaseWaiter(s.session.ID, waiter)

	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()

	for {
		msg, err := m.store.ClaimNextForSession(ctx, s.session.ID)
		if errors.Is(err, store.ErrNoMessagesAvailable) {
			select {
			case <-ctx.Done():
				s.finish(log, false)
				return
			case <-waiter:
				continue
			case <-time.After(pollInterval):
				continue
			case <-idle.C:
				log.Info("Session idle, completing", "idle", m.idleTimeout)
				s.finish(log, true)
				return
			}
		}
		if err != nil {
			log.Error("Failed to claim message", "error", err)
			return
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(m.idleTimeout)

		if err := s.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-flight: the message goes back to pending for
				// the next supervisor.
				s.release(msg, "cancelled")
				s.finish(log, false)
				return
			}
			if llm.IsRecoverable(err) {
				if msg.RetryCount >= maxMessageRetries {
					log.Error("Retry budget exhausted, message failed",
						"pending_message_id", msg.ID, "retries", msg.RetryCount, "error", err)
					s.fail(msg, err.Error())
					continue
				}
				log.Warn("Recoverable failure, message returned to pending",
					"pending_message_id", msg.ID, "retry_count", msg.RetryCount, "error", err)
				s.release(msg, err.Error())
				select {
				case <-ctx.Done():
					s.finish(log, false)
					return
				case <-time.After(time.Duration(msg.RetryCount+1) * retryBackoff):
				}
				continue
			}
			log.Error("Unrecoverable failure, terminating supervisor",
				"pending_message_id", msg.ID, "error", err)
			s.fail(msg, err.Error())
			return
		}
	}
}

// process drives one LLM round-trip for a claimed message.
func (s *supervisor) process(ctx context.Context, msg *models.PendingMessage) error {
	m := s.manager

	prompt := buildPrompt(m.mode, s.session, msg, len(s.history) == 0)
	s.history = append(s.history, models.ChatMessage{Role: "user", Content: prompt})

	result, err := m.client.Run(ctx, s.history)
	if err != nil {
		// Keep the history consistent with what the store saw last.
		s.history = s.history[:len(s.history)-1]
		return err
	}
	s.history = append(s.history, models.ChatMessage{Role: "assistant", Content: result.Content})
	s.cumulativeInputTokens += result.TokensUsed

	if s.session.MemorySessionID == "" {
		s.adoptMemorySessionID(ctx, result.ProviderSessionID)
	}

	if _, err := m.proc.Process(ctx, s.session, msg, result); err != nil {
		return err
	}

	if err := m.store.SaveConversationHistory(ctx, s.session.ContentSessionID, s.history); err != nil {
		slog.Warn("Failed to persist conversation history",
			"content_session_id", s.session.ContentSessionID, "error", err)
	}
	return nil
}

// adoptMemorySessionID stores the provider's conversation id on the first
// successful round-trip, minting one when the provider is stateless.
func (s *supervisor) adoptMemorySessionID(ctx context.Context, providerID string) {
	id := providerID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.manager.store.SetMemorySessionID(ctx, s.session.ID, id); err != nil {
		slog.Error("Failed to set memory session id", "session_db_id", s.session.ID, "error", err)
		return
	}
	s.session.MemorySessionID = id
}

// release returns a claimed message to pending.
func (s *supervisor) release(msg *models.PendingMessage, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.manager.store.MarkFailed(ctx, msg.ID, reason, true); err != nil {
		slog.Error("Failed to release message", "pending_message_id", msg.ID, "error", err)
	}
}

// fail terminally records an unrecoverable failure, with one retry budget.
func (s *supervisor) fail(msg *models.PendingMessage, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	retry := msg.RetryCount < maxMessageRetries
	if err := s.manager.store.MarkFailed(ctx, msg.ID, reason, retry); err != nil {
		slog.Error("Failed to mark message failed", "pending_message_id", msg.ID, "error", err)
	}
}

// finish ends the task, marking the session completed when it drained its
// queue naturally rather than being cancelled.
func (s *supervisor) finish(log *slog.Logger, completed bool) {
	if !completed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.manager.store.UpdateSessionStatus(ctx, s.session.ID, models.SessionCompleted); err != nil {
		log.Error("Failed to complete session", "error", err)
	}
}

package models

// SessionStatus is the lifecycle state of a coding-assistant session.
type SessionStatus string

// Session status constants.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session represents one coding-assistant conversation. ContentSessionID is
// the identifier supplied by the host assistant; MemorySessionID is the memory
// agent's own conversation id, assigned lazily on the first successful LLM
// round-trip.
type Session struct {
	ID               int64         `json:"id"`
	ContentSessionID string        `json:"content_session_id"`
	MemorySessionID  string        `json:"memory_session_id,omitempty"`
	Project          string        `json:"project"`
	UserPrompt       string        `json:"user_prompt,omitempty"`
	StartedAtEpoch   int64         `json:"started_at_epoch"`
	CompletedAtEpoch int64         `json:"completed_at_epoch,omitempty"`
	Status           SessionStatus `json:"status"`
	PromptCounter    int           `json:"prompt_counter"`
}

// UserPrompt is one user message within a session. PromptNumber is 1-based
// and unique per session.
type UserPrompt struct {
	ID               int64  `json:"id"`
	ContentSessionID string `json:"content_session_id"`
	PromptNumber     int    `json:"prompt_number"`
	PromptText       string `json:"prompt_text"`
	AgentID          string `json:"agent_id,omitempty"`
	SenderID         string `json:"sender_id,omitempty"`
	CreatedAtEpoch   int64  `json:"created_at_epoch"`
}

// MessageType distinguishes the two kinds of durable work units.
type MessageType string

// Message type constants.
const (
	MessageObservation MessageType = "observation"
	MessageSummarize   MessageType = "summarize"
)

// ValidType reports whether t is a known message type.
func (t MessageType) ValidType() bool {
	return t == MessageObservation || t == MessageSummarize
}

// MessageStatus is the pending-message state machine:
// pending -> processing -> processed, or pending|processing -> failed.
type MessageStatus string

// Message status constants.
const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageProcessed  MessageStatus = "processed"
	MessageFailed     MessageStatus = "failed"
)

// PendingMessage is a durable unit of work for a session supervisor. Tool
// input and response are stored as opaque serialized payloads and nulled once
// the message is processed to reclaim space.
type PendingMessage struct {
	ID                       int64         `json:"id"`
	SessionDBID              int64         `json:"session_db_id"`
	ContentSessionID         string        `json:"content_session_id"`
	Type                     MessageType   `json:"message_type"`
	ToolName                 string        `json:"tool_name,omitempty"`
	ToolInput                string        `json:"tool_input,omitempty"`
	ToolResponse             string        `json:"tool_response,omitempty"`
	CWD                      string        `json:"cwd,omitempty"`
	LastUserMessage          string        `json:"last_user_message,omitempty"`
	LastAssistantMessage     string        `json:"last_assistant_message,omitempty"`
	PromptNumber             int           `json:"prompt_number,omitempty"`
	BeadID                   string        `json:"bead_id,omitempty"`
	Status                   MessageStatus `json:"status"`
	RetryCount               int           `json:"retry_count"`
	Error                    string        `json:"error,omitempty"`
	CreatedAtEpoch           int64         `json:"created_at_epoch"`
	StartedProcessingAtEpoch int64         `json:"started_processing_at_epoch,omitempty"`
	CompletedAtEpoch         int64         `json:"completed_at_epoch,omitempty"`
	FailedAtEpoch            int64         `json:"failed_at_epoch,omitempty"`
}

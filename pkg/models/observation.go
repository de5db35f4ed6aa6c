// Package models defines the persisted entities shared across the worker:
// sessions, user prompts, pending messages, observations, summaries, agents,
// project aliases, and audit log entries.
package models

// ObservationType classifies what kind of fact an observation records.
type ObservationType string

// Observation type constants.
const (
	ObservationDecision  ObservationType = "decision"
	ObservationBugfix    ObservationType = "bugfix"
	ObservationFeature   ObservationType = "feature"
	ObservationRefactor  ObservationType = "refactor"
	ObservationDiscovery ObservationType = "discovery"
	ObservationChange    ObservationType = "change"
)

// Valid reports whether t is one of the known observation types.
func (t ObservationType) Valid() bool {
	switch t {
	case ObservationDecision, ObservationBugfix, ObservationFeature,
		ObservationRefactor, ObservationDiscovery, ObservationChange:
		return true
	}
	return false
}

// Visibility is the access-control tier of an observation or summary.
type Visibility string

// Visibility constants, from most to least restrictive.
const (
	VisibilityPrivate    Visibility = "private"
	VisibilityDepartment Visibility = "department"
	VisibilityProject    Visibility = "project"
	VisibilityPublic     Visibility = "public"
)

// Valid reports whether v is one of the four visibility literals.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityDepartment, VisibilityProject, VisibilityPublic:
		return true
	}
	return false
}

// Defaults applied when the LLM response or caller omits agent metadata.
const (
	DefaultAgent      = "legacy"
	DefaultDepartment = "default"
)

// Observation is a compressed fact or decision extracted from one tool-use
// event. It is the primary unit of memory.
type Observation struct {
	ID              int64           `json:"id"`
	MemorySessionID string          `json:"memory_session_id"`
	Project         string          `json:"project"`
	Type            ObservationType `json:"type"`
	Title           string          `json:"title"`
	Subtitle        string          `json:"subtitle,omitempty"`
	Narrative       string          `json:"narrative,omitempty"`
	// Text is the legacy single-field body kept for rows written by old
	// builds. New rows leave it empty.
	Text            string   `json:"text,omitempty"`
	Facts           []string `json:"facts,omitempty"`
	Concepts        []string `json:"concepts,omitempty"`
	FilesRead       []string `json:"files_read,omitempty"`
	FilesModified   []string `json:"files_modified,omitempty"`
	PromptNumber    int      `json:"prompt_number,omitempty"`
	DiscoveryTokens int      `json:"discovery_tokens"`
	CreatedAtEpoch  int64    `json:"created_at_epoch"`
	BeadID          string   `json:"bead_id,omitempty"`

	// Multi-agent metadata.
	Agent      string     `json:"agent"`
	Department string     `json:"department"`
	Visibility Visibility `json:"visibility"`
}

// SessionSummary is a session-level rollup. A session may accumulate several
// summaries over its lifetime (periodic checkpoints), so there is no
// uniqueness on MemorySessionID.
type SessionSummary struct {
	ID              int64  `json:"id"`
	MemorySessionID string `json:"memory_session_id"`
	Project         string `json:"project"`
	Request         string `json:"request,omitempty"`
	Investigated    string `json:"investigated,omitempty"`
	Learned         string `json:"learned,omitempty"`
	Completed       string `json:"completed,omitempty"`
	NextSteps       string `json:"next_steps,omitempty"`
	Notes           string `json:"notes,omitempty"`
	CreatedAtEpoch  int64  `json:"created_at_epoch"`

	Agent      string     `json:"agent"`
	Department string     `json:"department"`
	Visibility Visibility `json:"visibility"`
}

package models

// Agent is an identity holding an API key. IDs take the form "name@host".
// The key itself is never stored: only its first 12 characters (for O(1)
// lookup) and a SHA-256 hash of the whole key.
type Agent struct {
	ID               string `json:"id"`
	Department       string `json:"department"`
	Permissions      string `json:"permissions"`
	APIKeyPrefix     string `json:"api_key_prefix,omitempty"`
	APIKeyHash       string `json:"-"`
	CreatedAtEpoch   int64  `json:"created_at_epoch"`
	LastSeenAtEpoch  int64  `json:"last_seen_at_epoch,omitempty"`
	ExpiresAtEpoch   int64  `json:"expires_at_epoch,omitempty"`
	Verified         bool   `json:"verified"`
	FailedAttempts   int    `json:"failed_attempts"`
	LockedUntilEpoch int64  `json:"locked_until_epoch,omitempty"`

	// Lineage.
	SpawnedBy string `json:"spawned_by,omitempty"`
	BeadID    string `json:"bead_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// LockedAt reports whether the agent is locked out at the given epoch.
func (a *Agent) LockedAt(nowEpoch int64) bool {
	return a.LockedUntilEpoch > nowEpoch
}

// ProjectAlias records an equivalence between a legacy project identifier and
// the current one. Queries filtered by NewProject must also match rows whose
// project equals OldProject.
type ProjectAlias struct {
	ID             int64  `json:"id"`
	OldProject     string `json:"old_project"`
	NewProject     string `json:"new_project"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// Audit actions written by the agent registry. Metrics aggregation counts
// rows by these exact strings, so both sides share the constants.
const (
	AuditRegistered = "registered"
	AuditVerified   = "verified"
	AuditAuthFailed = "auth_failed"
	AuditLockout    = "lockout"
	AuditKeyRotated = "key_rotated"
	AuditKeyRevoked = "key_revoked"
)

// AuditLogEntry is an append-only record of an agent-facing action.
type AuditLogEntry struct {
	ID             int64  `json:"id"`
	AgentID        string `json:"agent_id"`
	Action         string `json:"action"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
	Details        string `json:"details,omitempty"`
	IPAddress      string `json:"ip_address,omitempty"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// ChatMessage is one turn of a supervisor's conversation history, persisted
// so a session can resume after a worker restart.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

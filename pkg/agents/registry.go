// Package agents manages agent identities and API keys: issuance, hashed
// verification with lockout, expiry, rotation, and audit trail.
package agents

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/store"
)

const (
	keyPrefixLen = 12
	keyBytes     = 32
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+$`)

// Typed failures surfaced to the API layer.
var (
	ErrInvalidAgentID = errors.New("agent id must match name@host")
	ErrBadCredentials = errors.New("invalid agent credentials")
	ErrKeyExpired     = errors.New("api key expired")
)

// LockedError reports a lockout in effect, carrying the unlock time.
type LockedError struct {
	AgentID    string
	UntilEpoch int64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("agent %s locked until %d", e.AgentID, e.UntilEpoch)
}

// Registry issues and verifies API keys backed by the store.
type Registry struct {
	store *store.Store

	keyExpiry       time.Duration
	lockoutDuration time.Duration
	maxAttempts     int
}

// NewRegistry builds a registry. keyExpiry <= 0 disables expiry.
func NewRegistry(s *store.Store, keyExpiry, lockoutDuration time.Duration, maxAttempts int) *Registry {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockoutDuration <= 0 {
		lockoutDuration = 5 * time.Minute
	}
	return &Registry{
		store:           s,
		keyExpiry:       keyExpiry,
		lockoutDuration: lockoutDuration,
		maxAttempts:     maxAttempts,
	}
}

// Registration is the one-time response carrying the plaintext key.
type Registration struct {
	Agent        *models.Agent
	PlaintextKey string
}

// Register creates an agent and issues its key. The plaintext key is returned
// exactly once. Registering an existing id fails with store.ErrAlreadyExists.
func (r *Registry) Register(ctx context.Context, id, department, permissions, remoteAddr string) (*Registration, error) {
	if !agentIDPattern.MatchString(id) {
		return nil, ErrInvalidAgentID
	}
	if department == "" {
		department = models.DefaultDepartment
	}
	if permissions == "" {
		permissions = "read,write"
	}

	key, prefix, hash, err := newKey()
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{
		ID:           id,
		Department:   department,
		Permissions:  permissions,
		APIKeyPrefix: prefix,
		APIKeyHash:   hash,
	}
	if r.keyExpiry > 0 {
		agent.ExpiresAtEpoch = time.Now().Add(r.keyExpiry).UnixMilli()
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.audit(ctx, id, models.AuditRegistered, "", remoteAddr)
	return &Registration{Agent: agent, PlaintextKey: key}, nil
}

// Verify authenticates a plaintext key. The prefix narrows the lookup to one
// row; the full key is compared by constant-time hash equality. Failure
// counting and lockout apply per agent.
func (r *Registry) Verify(ctx context.Context, plaintextKey, remoteAddr string) (*models.Agent, error) {
	if len(plaintextKey) < keyPrefixLen {
		return nil, ErrBadCredentials
	}
	agent, err := r.store.GetAgentByKeyPrefix(ctx, plaintextKey[:keyPrefixLen])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	now := time.Now().UnixMilli()
	if agent.LockedAt(now) {
		return nil, &LockedError{AgentID: agent.ID, UntilEpoch: agent.LockedUntilEpoch}
	}
	if agent.ExpiresAtEpoch > 0 && now > agent.ExpiresAtEpoch {
		r.audit(ctx, agent.ID, models.AuditAuthFailed, "key expired", remoteAddr)
		return nil, ErrKeyExpired
	}

	if !hashEqual(agent.APIKeyHash, hashKey(plaintextKey)) {
		return nil, r.recordFailure(ctx, agent.ID, remoteAddr)
	}

	if err := r.store.RecordAgentVerified(ctx, agent.ID); err != nil {
		return nil, err
	}
	r.audit(ctx, agent.ID, models.AuditVerified, "", remoteAddr)
	agent.Verified = true
	agent.FailedAttempts = 0
	agent.LockedUntilEpoch = 0
	return agent, nil
}

// Rotate invalidates the current key and issues a new one atomically.
func (r *Registry) Rotate(ctx context.Context, id, remoteAddr string) (*Registration, error) {
	key, prefix, hash, err := newKey()
	if err != nil {
		return nil, err
	}
	var expires int64
	if r.keyExpiry > 0 {
		expires = time.Now().Add(r.keyExpiry).UnixMilli()
	}
	if err := r.store.RotateAgentKey(ctx, id, prefix, hash, expires); err != nil {
		return nil, err
	}
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	r.audit(ctx, id, models.AuditKeyRotated, "", remoteAddr)
	return &Registration{Agent: agent, PlaintextKey: key}, nil
}

// Revoke clears the agent's key material.
func (r *Registry) Revoke(ctx context.Context, id, remoteAddr string) error {
	if err := r.store.RevokeAgentKey(ctx, id); err != nil {
		return err
	}
	r.audit(ctx, id, models.AuditKeyRevoked, "", remoteAddr)
	return nil
}

// Get fetches an agent record.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

func (r *Registry) recordFailure(ctx context.Context, id, remoteAddr string) error {
	lockUntil := time.Now().Add(r.lockoutDuration).UnixMilli()
	attempts, locked, err := r.store.RecordAgentFailure(ctx, id, r.maxAttempts, lockUntil)
	if err != nil {
		return err
	}
	r.audit(ctx, id, models.AuditAuthFailed, fmt.Sprintf("attempt %d", attempts), remoteAddr)
	if locked {
		r.audit(ctx, id, models.AuditLockout, "", remoteAddr)
		return &LockedError{AgentID: id, UntilEpoch: lockUntil}
	}
	return ErrBadCredentials
}

// audit is best-effort: a failed audit write never fails the operation.
func (r *Registry) audit(ctx context.Context, agentID, action, details, remoteAddr string) {
	err := r.store.AppendAudit(ctx, &models.AuditLogEntry{
		AgentID:      agentID,
		Action:       action,
		ResourceType: "agent",
		ResourceID:   agentID,
		Details:      details,
		IPAddress:    remoteAddr,
	})
	if err != nil {
		slog.Warn("Failed to append audit entry", "agent_id", agentID, "action", action, "error", err)
	}
}

// newKey issues a cm_-prefixed base64url key from 256 random bits and returns
// (plaintext, prefix, hash).
func newKey() (key, prefix, hash string, err error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	key = "cm_" + base64.RawURLEncoding.EncodeToString(raw)
	return key, key[:keyPrefixLen], hashKey(key), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ABOUTME: Store interface and data types for toolgate persistence
// ABOUTME: Defines APIKey and ToolCallRecord plus the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when an API key id is already taken
var ErrDuplicateKey = errors.New("api key already exists")

// APIKey is a delegate credential owned by a user. SecretHash holds the bcrypt
// hash of the secret part; the raw secret is never persisted.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	Prefix     string // display-only leading characters of the secret
	SecretHash []byte
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// ToolCallRecord is an audit entry for one executed tool call.
// Inputs and outputs are deliberately not stored.
type ToolCallRecord struct {
	ID         string
	CallID     string
	UserID     string
	ToolName   string
	Source     string // "local" or "delegate"
	DelegateID string
	IsError    bool
	ErrorKind  string
	Duration   time.Duration
	CreatedAt  time.Time
}

// APIKeyStore persists delegate credentials.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)

	// RevokeAPIKey marks the user's key revoked. It reports whether this call
	// changed the key; an already-revoked key yields (false, nil). A key that
	// does not exist for the user yields ErrNotFound.
	RevokeAPIKey(ctx context.Context, userID, id string, at time.Time) (bool, error)

	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// ToolCallStore persists the tool call audit history.
type ToolCallStore interface {
	RecordToolCall(ctx context.Context, rec *ToolCallRecord) error
	ListToolCalls(ctx context.Context, userID string, limit int) ([]*ToolCallRecord, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	APIKeyStore
	ToolCallStore
	Close() error
}

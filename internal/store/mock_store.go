// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject store failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Setting Err makes every operation fail with that error.
type MockStore struct {
	mu        sync.RWMutex
	keys      map[string]*APIKey // keyed by key ID
	toolCalls []*ToolCallRecord  // append order

	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		keys: make(map[string]*APIKey),
	}
}

// SetErr sets the failure returned by every subsequent call.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func copyKey(k *APIKey) *APIKey {
	c := *k
	c.SecretHash = append([]byte(nil), k.SecretHash...)
	return &c
}

// CreateAPIKey stores a new API key.
func (m *MockStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if _, exists := m.keys[key.ID]; exists {
		return ErrDuplicateKey
	}

	m.keys[key.ID] = copyKey(key)
	return nil
}

// GetAPIKey retrieves an API key by id.
func (m *MockStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

// ListAPIKeys returns the user's keys, oldest first.
func (m *MockStore) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}

	keys := make([]*APIKey, 0)
	for _, k := range m.keys {
		if k.UserID == userID {
			keys = append(keys, copyKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

// RevokeAPIKey marks the key revoked if it is active.
func (m *MockStore) RevokeAPIKey(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return false, m.Err
	}
	k, ok := m.keys[id]
	if !ok || k.UserID != userID {
		return false, ErrNotFound
	}
	if k.RevokedAt != nil {
		return false, nil
	}
	revokedAt := at.UTC()
	k.RevokedAt = &revokedAt
	return true, nil
}

// TouchAPIKey updates last_used_at.
func (m *MockStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	used := at.UTC()
	k.LastUsedAt = &used
	return nil
}

// RecordToolCall appends an audit record.
func (m *MockStore) RecordToolCall(ctx context.Context, rec *ToolCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c := *rec
	m.toolCalls = append(m.toolCalls, &c)
	return nil
}

// ListToolCalls returns the user's most recent calls, newest first.
func (m *MockStore) ListToolCalls(ctx context.Context, userID string, limit int) ([]*ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = DefaultToolCallLimit
	}

	records := make([]*ToolCallRecord, 0)
	for i := len(m.toolCalls) - 1; i >= 0 && len(records) < limit; i-- {
		if m.toolCalls[i].UserID == userID {
			c := *m.toolCalls[i]
			records = append(records, &c)
		}
	}
	return records, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

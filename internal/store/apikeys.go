// ABOUTME: API key persistence for delegate credentials
// ABOUTME: Stores bcrypt hashes only; revocation is a conditional update so it applies once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAPIKey inserts a new API key.
// Returns ErrDuplicateKey if the id is already taken.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO api_keys (id, user_id, name, prefix, secret_hash, created_at, expires_at, revoked_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		key.ID,
		key.UserID,
		key.Name,
		key.Prefix,
		key.SecretHash,
		formatTime(key.CreatedAt),
		nullTime(key.ExpiresAt),
		nullTime(key.RevokedAt),
		nullTime(key.LastUsedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Debug("created api key", "id", key.ID, "user_id", key.UserID)
	return nil
}

const apiKeyColumns = `id, user_id, name, prefix, secret_hash, created_at, expires_at, revoked_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAPIKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	var createdAt string
	var expiresAt, revokedAt, lastUsedAt sql.NullString

	if err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.Prefix,
		&key.SecretHash,
		&createdAt,
		&expiresAt,
		&revokedAt,
		&lastUsedAt,
	); err != nil {
		return nil, err
	}

	if parsed, err := parseTime(createdAt); err != nil {
		s.logger.Warn("failed to parse api key created_at", "id", key.ID, "error", err)
	} else {
		key.CreatedAt = parsed
	}
	key.ExpiresAt = s.parseNullTime(expiresAt, "expires_at", key.ID)
	key.RevokedAt = s.parseNullTime(revokedAt, "revoked_at", key.ID)
	key.LastUsedAt = s.parseNullTime(lastUsedAt, "last_used_at", key.ID)

	return &key, nil
}

// GetAPIKey retrieves an API key by id.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	key, err := s.scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns every key owned by the user, oldest first, revoked keys included.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*APIKey, 0)
	for rows.Next() {
		key, err := s.scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey marks a key revoked. The update only matches an active key, so
// concurrent revocations of the same key change it exactly once.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		formatTime(at), id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM api_keys WHERE id = ? AND user_id = ?`, id, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("querying api key: %w", err)
		}
		return false, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing revocation: %w", err)
	}

	s.logger.Debug("revoked api key", "id", id, "user_id", userID)
	return true, nil
}

// TouchAPIKey records a successful authentication.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating last_used_at: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

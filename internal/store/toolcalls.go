// ABOUTME: Tool call audit history persistence
// ABOUTME: Records outcome metadata per call, never inputs or outputs

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultToolCallLimit caps ListToolCalls when limit is not positive.
const DefaultToolCallLimit = 50

// RecordToolCall appends an audit record.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, rec *ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	source := rec.Source
	if source == "" {
		source = "none"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, call_id, user_id, tool_name, source, delegate_id, is_error, error_kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.CallID,
		rec.UserID,
		rec.ToolName,
		source,
		nullString(rec.DelegateID),
		rec.IsError,
		nullString(rec.ErrorKind),
		rec.Duration.Milliseconds(),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns the user's most recent calls, newest first.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, userID string, limit int) ([]*ToolCallRecord, error) {
	if limit <= 0 {
		limit = DefaultToolCallLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, user_id, tool_name, source, delegate_id, is_error, error_kind, duration_ms, created_at
		FROM tool_calls
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	records := make([]*ToolCallRecord, 0)
	for rows.Next() {
		var rec ToolCallRecord
		var delegateID, errorKind sql.NullString
		var durationMS int64
		var createdAt string

		if err := rows.Scan(
			&rec.ID,
			&rec.CallID,
			&rec.UserID,
			&rec.ToolName,
			&rec.Source,
			&delegateID,
			&rec.IsError,
			&errorKind,
			&durationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}

		if rec.Source == "none" {
			rec.Source = ""
		}
		rec.DelegateID = delegateID.String
		rec.ErrorKind = errorKind.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if parsed, err := parseTime(createdAt); err != nil {
			s.logger.Warn("failed to parse tool call created_at", "id", rec.ID, "error", err)
		} else {
			rec.CreatedAt = parsed
		}

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool calls: %w", err)
	}

	return records, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrUXStateNotFound is returned when no value exists for a (platform, key).
var ErrUXStateNotFound = errors.New("ux state not found")

// SetUXState upserts one per-platform value.
func (s *Store) SetUXState(ctx context.Context, platform, key, valueJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ux_state (platform, key, value_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, platform, key, valueJSON, time.Now().UTC())
	return err
}

// GetUXState fetches one per-platform value.
func (s *Store) GetUXState(ctx context.Context, platform, key string) (string, error) {
	var value string
	err := s.reader().QueryRowContext(ctx, `
		SELECT value_json FROM ux_state WHERE platform = ? AND key = ?
	`, platform, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUXStateNotFound
		}
		return "", err
	}
	return value, nil
}

// DeleteUXState removes one per-platform value.
func (s *Store) DeleteUXState(ctx context.Context, platform, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ux_state WHERE platform = ? AND key = ?
	`, platform, key)
	return err
}

// DeleteUXStateForSession clears all keys scoped to one session across every
// platform. Keys embed the session id with a ':' separator, e.g.
// "thread:<session_id>" or "editable:<session_id>".
func (s *Store) DeleteUXStateForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ux_state WHERE key LIKE ?
	`, "%:"+sessionID)
	return err
}

// ListUXState returns all values for one platform, keyed.
func (s *Store) ListUXState(ctx context.Context, platform string) (map[string]string, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT key, value_json FROM ux_state WHERE platform = ?
	`, platform)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

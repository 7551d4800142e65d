package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrQueueEmpty is returned by ClaimNextPending when nothing is pending.
var ErrQueueEmpty = errors.New("command queue empty")

// Enqueue persists a command. Duplicate (source, dedup_key) pairs return the
// existing entry id with duplicate=true instead of inserting a second row.
func (s *Store) Enqueue(ctx context.Context, entry *QueueEntry) (id int64, duplicate bool, err error) {
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}
	entry.AcceptedAt = time.Now().UTC()
	entry.State = QueuePending

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (kind, source, dedup_key, payload_json, caller_session_id, state, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, dedup_key) DO NOTHING
	`, entry.Kind, entry.Source, entry.DedupKey, entry.PayloadJSON, entry.CallerSession,
		entry.State, entry.AcceptedAt)
	if err != nil {
		return 0, false, fmt.Errorf("failed to enqueue command: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		// Duplicate acceptance: hand back the original entry.
		var existing int64
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM command_queue WHERE source = ? AND dedup_key = ?
		`, entry.Source, entry.DedupKey).Scan(&existing)
		if err != nil {
			return 0, false, err
		}
		entry.ID = existing
		return existing, true, nil
	}

	entry.ID, err = res.LastInsertId()
	return entry.ID, false, err
}

const queueColumns = `id, kind, source, dedup_key, payload_json, caller_session_id,
	state, attempts, last_error, accepted_at, in_flight_since`

func scanQueueEntry(row interface{ Scan(...any) error }) (*QueueEntry, error) {
	entry := &QueueEntry{}
	var inFlight sql.NullTime
	err := row.Scan(&entry.ID, &entry.Kind, &entry.Source, &entry.DedupKey,
		&entry.PayloadJSON, &entry.CallerSession, &entry.State, &entry.Attempts,
		&entry.LastError, &entry.AcceptedAt, &inFlight)
	if err != nil {
		return nil, err
	}
	if inFlight.Valid {
		entry.InFlightSince = &inFlight.Time
	}
	return entry, nil
}

// ClaimNextPending atomically moves the oldest pending entry for the given
// source class to in_flight and returns it. Two concurrent claimers can never
// receive the same entry: the single-writer connection serializes the UPDATE.
func (s *Store) ClaimNextPending(ctx context.Context, sourceClass string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE command_queue
		SET state = ?, attempts = attempts + 1, in_flight_since = ?
		WHERE id = (
			SELECT id FROM command_queue
			WHERE state = ? AND source LIKE ?
			ORDER BY accepted_at, id
			LIMIT 1
		)
		RETURNING `+queueColumns,
		QueueInFlight, time.Now().UTC(), QueuePending, sourceClass+"%")

	entry, err := scanQueueEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueEmpty
		}
		return nil, err
	}
	return entry, nil
}

// MarkQueueDelivered finalizes a successfully executed entry.
func (s *Store) MarkQueueDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET state = ?, last_error = '' WHERE id = ?
	`, QueueDone, id)
	return err
}

// MarkQueueFailed finalizes an entry that will not be retried.
func (s *Store) MarkQueueFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET state = ?, last_error = ? WHERE id = ?
	`, QueueFailed, reason, id)
	return err
}

// ReleaseToPending moves an in-flight entry back to pending for a retry,
// recording the failure reason. Attempts were already counted at claim time.
func (s *Store) ReleaseToPending(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET state = ?, last_error = ?, in_flight_since = NULL
		WHERE id = ? AND state = ?
	`, QueuePending, reason, id, QueueInFlight)
	return err
}

// RecoverInFlight returns entries stranded in_flight (for example after a
// crash) to pending. Called once during startup, before workers spin up.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET state = ?, in_flight_since = NULL WHERE state = ?
	`, QueuePending, QueueInFlight)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetQueueEntry fetches a single entry by id.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	row := s.reader().QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM command_queue WHERE id = ?`, id)
	entry, err := scanQueueEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueEmpty
		}
		return nil, err
	}
	return entry, nil
}

// PendingQueueDepth reports how many entries await execution for a source class.
func (s *Store) PendingQueueDepth(ctx context.Context, sourceClass string) (int, error) {
	var depth int
	err := s.reader().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM command_queue WHERE state = ? AND source LIKE ?
	`, QueuePending, sourceClass+"%").Scan(&depth)
	return depth, err
}

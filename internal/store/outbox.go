package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrOutboxEmpty is returned by ClaimOutbox when nothing is pending.
var ErrOutboxEmpty = errors.New("hook outbox empty")

// InsertOutbox persists a hook event for asynchronous delivery. The caller
// gets an acknowledgment as soon as the row is durable.
func (s *Store) InsertOutbox(ctx context.Context, entry *OutboxEntry) error {
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.State = OutboxPending

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_outbox (hook, session_id, agent, tool_name, preview, summary,
			payload_json, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Hook, entry.SessionID, entry.Agent, entry.ToolName, entry.Preview,
		entry.Summary, entry.PayloadJSON, entry.State, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

const outboxColumns = `id, hook, session_id, agent, tool_name, preview, summary,
	payload_json, state, lock_token, locked_until, created_at, updated_at`

func scanOutboxEntry(row interface{ Scan(...any) error }) (*OutboxEntry, error) {
	entry := &OutboxEntry{}
	var lockedUntil sql.NullTime
	err := row.Scan(&entry.ID, &entry.Hook, &entry.SessionID, &entry.Agent,
		&entry.ToolName, &entry.Preview, &entry.Summary, &entry.PayloadJSON,
		&entry.State, &entry.LockToken, &lockedUntil, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		entry.LockedUntil = &lockedUntil.Time
	}
	return entry, nil
}

// ClaimOutbox atomically moves the oldest pending entry to processing under a
// fresh lock token. The lock expires after lockTTL; expired locks are
// reclaimed by RequeueExpiredOutbox, not here.
func (s *Store) ClaimOutbox(ctx context.Context, lockTTL time.Duration) (*OutboxEntry, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE hook_outbox
		SET state = ?, lock_token = ?, locked_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM hook_outbox WHERE state = ? ORDER BY created_at, id LIMIT 1
		)
		RETURNING `+outboxColumns,
		OutboxProcessing, token, now.Add(lockTTL), now, OutboxPending)

	entry, err := scanOutboxEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOutboxEmpty
		}
		return nil, err
	}
	return entry, nil
}

// MarkOutboxDelivered finalizes a processing entry. The lock token must still
// match: a watchdog-reclaimed entry cannot be completed by its old holder.
func (s *Store) MarkOutboxDelivered(ctx context.Context, id int64, lockToken string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET state = ?, lock_token = '', locked_until = NULL, updated_at = ?
		WHERE id = ? AND lock_token = ? AND state = ?
	`, OutboxDelivered, time.Now().UTC(), id, lockToken, OutboxProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseOutbox returns a processing entry to pending (delivery failed but is
// retryable). Token-checked like MarkOutboxDelivered.
func (s *Store) ReleaseOutbox(ctx context.Context, id int64, lockToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET state = ?, lock_token = '', locked_until = NULL, updated_at = ?
		WHERE id = ? AND lock_token = ? AND state = ?
	`, OutboxPending, time.Now().UTC(), id, lockToken, OutboxProcessing)
	return err
}

// RequeueExpiredOutbox is the watchdog sweep: processing entries whose lock
// has expired go back to pending so another worker can pick them up.
func (s *Store) RequeueExpiredOutbox(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET state = ?, lock_token = '', locked_until = NULL, updated_at = ?
		WHERE state = ? AND locked_until IS NOT NULL AND locked_until < ?
	`, OutboxPending, time.Now().UTC(), OutboxProcessing, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutboxDepth reports how many hook events await delivery.
func (s *Store) PendingOutboxDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.reader().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM hook_outbox WHERE state = ?
	`, OutboxPending).Scan(&depth)
	return depth, err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionNameClash is returned when the derived tmux name is already taken.
var ErrSessionNameClash = errors.New("tmux session name already in use")

// CreateSession inserts a new session row. The id and tmux name are assigned
// here when empty; a tmux-name collision is rejected, never overwritten.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.TmuxName == "" {
		session.TmuxName = "tc_" + ShortID(session.ID)
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActivityAt = now
	if session.Status == "" {
		session.Status = SessionActive
	}
	if session.AdapterMeta == "" {
		session.AdapterMeta = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tmux_name, working_dir, agent, thinking, title, status,
			origin_adapter, adapter_meta, computer, last_block_turn_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.TmuxName, session.WorkingDir, session.Agent, session.Thinking,
		session.Title, session.Status, session.OriginAdapter, session.AdapterMeta,
		session.Computer, session.LastBlockTurnID, session.CreatedAt, session.LastActivityAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrSessionNameClash, session.TmuxName)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, tmux_name, working_dir, agent, thinking, title, status,
	origin_adapter, adapter_meta, computer, last_block_turn_id, created_at, last_activity_at, closed_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	session := &Session{}
	var closedAt sql.NullTime
	err := row.Scan(&session.ID, &session.TmuxName, &session.WorkingDir, &session.Agent,
		&session.Thinking, &session.Title, &session.Status, &session.OriginAdapter,
		&session.AdapterMeta, &session.Computer, &session.LastBlockTurnID,
		&session.CreatedAt, &session.LastActivityAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if closedAt.Valid {
		session.ClosedAt = &closedAt.Time
	}
	return session, nil
}

// GetSession retrieves a session by its full id or its 8-character short form.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if len(id) == 8 && !strings.Contains(id, "-") {
		return s.getSessionByShortID(ctx, id)
	}
	row := s.reader().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) getSessionByShortID(ctx context.Context, short string) (*Session, error) {
	row := s.reader().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tmux_name = ?`, "tc_"+short)
	return scanSession(row)
}

// ListSessions returns sessions, optionally restricted to non-closed ones,
// newest first.
func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if activeOnly {
		query += ` WHERE status NOT IN ('closed', 'failed')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.reader().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// UpdateSessionStatus sets the status and refreshes last activity.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionTitle sets the human-facing title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, last_activity_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionAgent records which agent runs inside the session.
func (s *Store) UpdateSessionAgent(ctx context.Context, id string, agent AgentKind) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent = ?, last_activity_at = ? WHERE id = ?
	`, agent, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchSession refreshes the last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	return err
}

// CloseSession marks a session closed. Closing an already-closed session is a
// no-op; the first closure timestamp wins.
func (s *Store) CloseSession(ctx context.Context, id string, status SessionStatus) error {
	if status != SessionClosed && status != SessionFailed {
		status = SessionClosed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?
		WHERE id = ? AND closed_at IS NULL
	`, status, time.Now().UTC(), id)
	return err
}

// SetLastBlockTurn persists the checkpoint escape-hatch marker for a session.
func (s *Store) SetLastBlockTurn(ctx context.Context, id, turnID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_block_turn_id = ? WHERE id = ?
	`, turnID, id)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetAgentAvailability upserts the availability tuple for an agent kind.
// A nil until means the state holds until explicitly changed.
func (s *Store) SetAgentAvailability(ctx context.Context, agent string, status AvailabilityStatus, reason string, until *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_availability (agent, status, reason, unavailable_until, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			unavailable_until = excluded.unavailable_until,
			updated_at = excluded.updated_at
	`, agent, status, reason, until, time.Now().UTC())
	return err
}

// GetAgentAvailability returns the current availability for an agent kind.
// A timed unavailability that has lapsed reads back as available; the row is
// cleared lazily so restarts cannot resurrect a stale block.
func (s *Store) GetAgentAvailability(ctx context.Context, agent string) (*AgentAvailability, error) {
	row := s.reader().QueryRowContext(ctx, `
		SELECT agent, status, reason, unavailable_until, updated_at
		FROM agent_availability WHERE agent = ?
	`, agent)

	av := &AgentAvailability{}
	var until sql.NullTime
	err := row.Scan(&av.Agent, &av.Status, &av.Reason, &until, &av.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &AgentAvailability{Agent: agent, Status: AgentAvailable}, nil
		}
		return nil, err
	}
	if until.Valid {
		av.UnavailableUntil = &until.Time
	}

	if av.Status != AgentAvailable && av.UnavailableUntil != nil && time.Now().After(*av.UnavailableUntil) {
		if err := s.SetAgentAvailability(ctx, agent, AgentAvailable, "", nil); err != nil {
			return nil, err
		}
		return &AgentAvailability{Agent: agent, Status: AgentAvailable, UpdatedAt: time.Now().UTC()}, nil
	}
	return av, nil
}

// ListAgentAvailability returns all recorded availability rows.
func (s *Store) ListAgentAvailability(ctx context.Context) ([]*AgentAvailability, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT agent, status, reason, unavailable_until, updated_at
		FROM agent_availability ORDER BY agent
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AgentAvailability
	for rows.Next() {
		av := &AgentAvailability{}
		var until sql.NullTime
		if err := rows.Scan(&av.Agent, &av.Status, &av.Reason, &until, &av.UpdatedAt); err != nil {
			return nil, err
		}
		if until.Valid {
			av.UnavailableUntil = &until.Time
		}
		result = append(result, av)
	}
	return result, rows.Err()
}

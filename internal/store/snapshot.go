package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned when no snapshot exists for an entity.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// UpsertSnapshot writes the materialized view row for one entity.
func (s *Store) UpsertSnapshot(ctx context.Context, kind, id, dataJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_cache (entity_kind, entity_id, data_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
			data_json = excluded.data_json,
			updated_at = excluded.updated_at
	`, kind, id, dataJSON, time.Now().UTC())
	return err
}

// GetSnapshot fetches one materialized row.
func (s *Store) GetSnapshot(ctx context.Context, kind, id string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.reader().QueryRowContext(ctx, `
		SELECT entity_kind, entity_id, data_json, updated_at
		FROM snapshot_cache WHERE entity_kind = ? AND entity_id = ?
	`, kind, id).Scan(&snap.EntityKind, &snap.EntityID, &snap.DataJSON, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns all materialized rows of one kind.
func (s *Store) ListSnapshots(ctx context.Context, kind string) ([]*Snapshot, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT entity_kind, entity_id, data_json, updated_at
		FROM snapshot_cache WHERE entity_kind = ? ORDER BY entity_id
	`, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		if err := rows.Scan(&snap.EntityKind, &snap.EntityID, &snap.DataJSON, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// DeleteSnapshot removes one materialized row.
func (s *Store) DeleteSnapshot(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshot_cache WHERE entity_kind = ? AND entity_id = ?
	`, kind, id)
	return err
}

// TruncateSnapshots drops the entire cache. The cache is strictly derived
// state, so a rebuild from the source tables restores equivalence.
func (s *Store) TruncateSnapshots(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_cache`)
	return err
}

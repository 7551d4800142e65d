package store

import (
	"context"
	"time"
)

// WasDelivered reports whether an adapter already delivered content with this
// digest. Used to suppress duplicate sends after crash-recovery replays.
func (s *Store) WasDelivered(ctx context.Context, adapterID, digest string) (bool, error) {
	var n int
	err := s.reader().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_digests WHERE adapter_id = ? AND digest = ?
	`, adapterID, digest).Scan(&n)
	return n > 0, err
}

// MarkDelivered records a delivery digest. Re-recording an existing digest is
// a no-op.
func (s *Store) MarkDelivered(ctx context.Context, adapterID, sessionID, digest string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_digests (adapter_id, session_id, digest, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(adapter_id, digest) DO NOTHING
	`, adapterID, sessionID, digest, time.Now().UTC())
	return err
}

// PruneDeliveries drops digests older than the retention window.
func (s *Store) PruneDeliveries(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_digests WHERE created_at < ?
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

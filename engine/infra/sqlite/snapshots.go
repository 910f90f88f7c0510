package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/compozy/deepresearch/engine/snapshot"
)

// SnapshotStore keeps the latest snapshot of every session.
type SnapshotStore struct {
	store *Store
}

func NewSnapshotStore(store *Store) *SnapshotStore {
	return &SnapshotStore{store: store}
}

func (s *SnapshotStore) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	data, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	const q = `INSERT INTO session_snapshots (session_id, state, query, version, checksum, data, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			query = excluded.query,
			version = excluded.version,
			checksum = excluded.checksum,
			data = excluded.data,
			saved_at = excluded.saved_at`
	if _, err := s.store.db.ExecContext(
		ctx, q,
		snap.SessionID, snap.State, snap.Context.Query, snap.Version, snap.Checksum, data, formatTime(snap.SavedAt),
	); err != nil {
		return fmt.Errorf("sqlite: save snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, sessionID string) (*snapshot.Snapshot, error) {
	var data []byte
	err := s.store.db.QueryRowContext(ctx, `SELECT data FROM session_snapshots WHERE session_id = ?`, sessionID).
		Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.NotFound(sessionID)
		}
		return nil, fmt.Errorf("sqlite: load snapshot %s: %w", sessionID, err)
	}
	return snapshot.Decode(data)
}

// List returns the stored sessions, most recently saved first.
func (s *SnapshotStore) List(ctx context.Context) ([]snapshot.Meta, error) {
	const q = `SELECT session_id, state, query, saved_at FROM session_snapshots ORDER BY saved_at DESC`
	rows, err := s.store.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer rows.Close()
	var out []snapshot.Meta
	for rows.Next() {
		var m snapshot.Meta
		var saved string
		if err := rows.Scan(&m.SessionID, &m.State, &m.Query, &saved); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		if m.SavedAt, err = parseTime(saved); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter snapshots: %w", err)
	}
	return out, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.store.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: delete snapshot %s: %w", sessionID, err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return snapshot.NotFound(sessionID)
	}
	return nil
}

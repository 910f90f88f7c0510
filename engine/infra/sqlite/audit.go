package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/compozy/deepresearch/engine/audit"
)

// AuditSink appends audit records to the audit_records table. Appends are
// idempotent on the record id so recorder retries never duplicate a record.
type AuditSink struct {
	store *Store
}

func NewAuditSink(store *Store) *AuditSink {
	return &AuditSink{store: store}
}

func (s *AuditSink) Append(ctx context.Context, rec audit.Record) error {
	payload, err := rec.MarshalPayload()
	if err != nil {
		return fmt.Errorf("%w: %w", audit.ErrPermanent, err)
	}
	const q = `INSERT INTO audit_records (id, session_id, seq, kind, event, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	if _, err := s.store.db.ExecContext(
		ctx, q,
		rec.ID, rec.SessionID, rec.Seq, string(rec.Kind), rec.Event, string(payload), formatTime(rec.Timestamp),
	); err != nil {
		return fmt.Errorf("sqlite: append audit record: %w", err)
	}
	return nil
}

// List returns the records of a session in sequence order.
func (s *AuditSink) List(ctx context.Context, sessionID string) ([]audit.Record, error) {
	const q = `SELECT id, session_id, seq, kind, event, payload, recorded_at
		FROM audit_records WHERE session_id = ? ORDER BY seq ASC`
	rows, err := s.store.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit records: %w", err)
	}
	defer rows.Close()
	var out []audit.Record
	for rows.Next() {
		var (
			rec      audit.Record
			kind     string
			payload  string
			recorded string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Seq, &kind, &rec.Event, &payload, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit record: %w", err)
		}
		rec.Kind = audit.Kind(kind)
		if rec.Timestamp, err = parseTime(recorded); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: decode audit payload %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter audit records: %w", err)
	}
	return out, nil
}

// Count returns the number of records stored for a session.
func (s *AuditSink) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count audit records: %w", err)
	}
	return n, nil
}

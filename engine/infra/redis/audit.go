package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/compozy/deepresearch/engine/audit"
	goredis "github.com/redis/go-redis/v9"
)

// AuditSink keeps one sorted set per session scored by sequence number. The
// member is the encoded record, so a retried append of the same record is a
// no-op.
type AuditSink struct {
	client *Client
}

func NewAuditSink(client *Client) *AuditSink {
	return &AuditSink{client: client}
}

func (s *AuditSink) streamKey(sessionID string) string {
	return s.client.key("audit", sessionID)
}

func (s *AuditSink) Append(ctx context.Context, rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", audit.ErrPermanent, err)
	}
	key := s.streamKey(rec.SessionID)
	_, err = s.client.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZAdd(ctx, key, goredis.Z{Score: float64(rec.Seq), Member: string(data)})
		if s.client.auditTTL > 0 {
			p.Expire(ctx, key, s.client.auditTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: append audit record: %w", err)
	}
	return nil
}

// List returns the records of a session in sequence order.
func (s *AuditSink) List(ctx context.Context, sessionID string) ([]audit.Record, error) {
	members, err := s.client.rdb.ZRange(ctx, s.streamKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list audit records: %w", err)
	}
	out := make([]audit.Record, 0, len(members))
	for _, m := range members {
		var rec audit.Record
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Since returns the records with a sequence number strictly after seq.
func (s *AuditSink) Since(ctx context.Context, sessionID string, seq uint64) ([]audit.Record, error) {
	members, err := s.client.rdb.ZRangeByScore(ctx, s.streamKey(sessionID), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatUint(seq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list audit records: %w", err)
	}
	out := make([]audit.Record, 0, len(members))
	for _, m := range members {
		var rec audit.Record
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

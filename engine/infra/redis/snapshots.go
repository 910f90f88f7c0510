package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/deepresearch/engine/snapshot"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldData    = "data"
	fieldState   = "state"
	fieldQuery   = "query"
	fieldSavedAt = "saved_at"
)

// SnapshotStore keeps the latest snapshot of every session in a hash and
// indexes sessions by save time in a sorted set.
type SnapshotStore struct {
	client *Client
}

func NewSnapshotStore(client *Client) *SnapshotStore {
	return &SnapshotStore{client: client}
}

func (s *SnapshotStore) indexKey() string {
	return s.client.key("snapshots")
}

func (s *SnapshotStore) snapshotKey(sessionID string) string {
	return s.client.key("snapshot", sessionID)
}

func (s *SnapshotStore) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	data, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.client.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, s.snapshotKey(snap.SessionID),
			fieldData, string(data),
			fieldState, snap.State,
			fieldQuery, snap.Context.Query,
			fieldSavedAt, snap.SavedAt.UTC().Format(time.RFC3339Nano),
		)
		p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(snap.SavedAt.UnixMilli()), Member: snap.SessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, sessionID string) (*snapshot.Snapshot, error) {
	data, err := s.client.rdb.HGet(ctx, s.snapshotKey(sessionID), fieldData).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, snapshot.NotFound(sessionID)
		}
		return nil, fmt.Errorf("redis: load snapshot %s: %w", sessionID, err)
	}
	return snapshot.Decode([]byte(data))
}

// List returns the stored sessions, most recently saved first.
func (s *SnapshotStore) List(ctx context.Context) ([]snapshot.Meta, error) {
	ids, err := s.client.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list snapshots: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = s.client.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, s.snapshotKey(id), fieldState, fieldQuery, fieldSavedAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: list snapshots: %w", err)
	}
	out := make([]snapshot.Meta, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) != 3 || vals[0] == nil {
			continue
		}
		m := snapshot.Meta{SessionID: id}
		m.State, _ = vals[0].(string)
		m.Query, _ = vals[1].(string)
		if saved, ok := vals[2].(string); ok {
			if m.SavedAt, err = time.Parse(time.RFC3339Nano, saved); err != nil {
				return nil, fmt.Errorf("redis: parse saved_at of %s: %w", id, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	var deleted *goredis.IntCmd
	_, err := s.client.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		deleted = p.Del(ctx, s.snapshotKey(sessionID))
		p.ZRem(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete snapshot %s: %w", sessionID, err)
	}
	if deleted.Val() == 0 {
		return snapshot.NotFound(sessionID)
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/infra/redis"
	"github.com/compozy/deepresearch/engine/infra/sqlite"
	"github.com/compozy/deepresearch/engine/snapshot"
	"github.com/compozy/deepresearch/pkg/config"
	"github.com/compozy/deepresearch/pkg/logger"
)

// storage holds the audit sinks and the snapshot store selected by the
// configured backends. The sqlite and redis connections are shared.
type storage struct {
	sinks     []audit.Sink
	reader    audit.Reader
	snapshots snapshot.Store
	events    *redis.EventPublisher

	sqlite *sqlite.Store
	redis  *redis.Client
}

func openStorage(ctx context.Context, cfg *config.Config) (_ *storage, err error) {
	st := &storage{}
	defer func() {
		if err != nil {
			_ = st.Close(ctx)
		}
	}()
	if err := st.openAudit(ctx, cfg); err != nil {
		return nil, err
	}
	if err := st.openSnapshots(ctx, cfg); err != nil {
		return nil, err
	}
	if err := st.openEvents(ctx, cfg); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *storage) openAudit(ctx context.Context, cfg *config.Config) error {
	switch cfg.Audit.Backend {
	case config.BackendNone, "":
	case config.BackendMemory:
		sink := audit.NewMemorySink()
		st.sinks, st.reader = []audit.Sink{sink}, sink
	case config.BackendLog:
		st.sinks = []audit.Sink{audit.NewLogSink(logger.FromContext(ctx))}
	case config.BackendSQLite:
		db, err := st.sqliteStore(ctx, cfg)
		if err != nil {
			return err
		}
		sink := sqlite.NewAuditSink(db)
		st.sinks, st.reader = []audit.Sink{sink}, sink
	case config.BackendRedis:
		client, err := st.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		sink := redis.NewAuditSink(client)
		st.sinks, st.reader = []audit.Sink{sink}, sink
	default:
		return fmt.Errorf("unsupported audit backend %q", cfg.Audit.Backend)
	}
	return nil
}

func (st *storage) openSnapshots(ctx context.Context, cfg *config.Config) error {
	switch cfg.Snapshot.Backend {
	case config.BackendNone, "":
	case config.BackendMemory:
		st.snapshots = snapshot.NewMemoryStore()
	case config.BackendFile:
		fs, err := snapshot.NewFileStore(cfg.Snapshot.Dir)
		if err != nil {
			return err
		}
		st.snapshots = fs
	case config.BackendSQLite:
		db, err := st.sqliteStore(ctx, cfg)
		if err != nil {
			return err
		}
		st.snapshots = sqlite.NewSnapshotStore(db)
	case config.BackendRedis:
		client, err := st.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		st.snapshots = redis.NewSnapshotStore(client)
	default:
		return fmt.Errorf("unsupported snapshot backend %q", cfg.Snapshot.Backend)
	}
	return nil
}

func (st *storage) openEvents(ctx context.Context, cfg *config.Config) error {
	switch cfg.Events.Backend {
	case config.BackendNone, "":
	case config.BackendRedis:
		client, err := st.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		st.events = redis.NewEventPublisher(client)
	default:
		return fmt.Errorf("unsupported events backend %q", cfg.Events.Backend)
	}
	return nil
}

func (st *storage) sqliteStore(ctx context.Context, cfg *config.Config) (*sqlite.Store, error) {
	if st.sqlite != nil {
		return st.sqlite, nil
	}
	db, err := sqlite.NewStore(ctx, &cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	st.sqlite = db
	return db, nil
}

func (st *storage) redisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if st.redis != nil {
		return st.redis, nil
	}
	client, err := redis.New(ctx, &cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	st.redis = client
	return client, nil
}

func (st *storage) requireEvents() (*redis.EventPublisher, error) {
	if st.events == nil {
		return nil, errors.New("event publishing is disabled: set events.backend to redis")
	}
	return st.events, nil
}

// requireSnapshots returns the store or an error naming the backend setting.
func (st *storage) requireSnapshots() (snapshot.Store, error) {
	if st.snapshots == nil {
		return nil, errors.New("snapshots are disabled: set snapshot.backend")
	}
	return st.snapshots, nil
}

func (st *storage) Close(ctx context.Context) error {
	var errs []error
	if st.sqlite != nil {
		errs = append(errs, st.sqlite.Close(ctx))
	}
	if st.redis != nil {
		errs = append(errs, st.redis.Close())
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-tiering/internal/config"
	"github.com/telhawk-systems/telhawk-tiering/internal/cursor"
	"github.com/telhawk-systems/telhawk-tiering/internal/dedup"
	"github.com/telhawk-systems/telhawk-tiering/internal/fanout"
	"github.com/telhawk-systems/telhawk-tiering/internal/indexmgr"
	"github.com/telhawk-systems/telhawk-tiering/internal/ingest"
	"github.com/telhawk-systems/telhawk-tiering/internal/leader"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/messaging"
	"github.com/telhawk-systems/telhawk-tiering/internal/migrator"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/normalizer"
	"github.com/telhawk-systems/telhawk-tiering/internal/osclient"
	"github.com/telhawk-systems/telhawk-tiering/internal/retention"
	"github.com/telhawk-systems/telhawk-tiering/internal/scheduler"
	"github.com/telhawk-systems/telhawk-tiering/internal/source"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/memory"
	osstore "github.com/telhawk-systems/telhawk-tiering/internal/store/opensearch"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/postgres"
)

// app holds the shared connections of one tierd process.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	policy models.Policy

	store store.Store
	redis *redis.Client
	nats  *messaging.NATSClient
	js    *messaging.JetStreamClient

	closers []func() error
}

// newApp opens the tier store and the optional Redis and NATS connections.
// A store that cannot be reached is fatal.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, policy: cfg.Policy()}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFatalStore, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	logger.InfoContext(ctx, "tier store ready", "backend", cfg.Store.Backend, "tiered", a.policy.Tiered)

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts.MaxRetries = cfg.Redis.MaxRetries
		opts.PoolSize = cfg.Redis.PoolSize
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if cfg.NATS.Enabled {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		nc, err := messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.nats = nc
		a.closers = append(a.closers, nc.Close)
		if cfg.NATS.Replay {
			js, err := messaging.NewJetStreamClient(nc)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.js = js
		}
	}

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(), nil

	case "postgres":
		conn := cfg.Store.Postgres.ConnString()
		if cfg.Store.Postgres.Migrate {
			if err := postgres.Migrate(conn); err != nil {
				return nil, err
			}
		}
		return postgres.New(ctx, conn)

	case "opensearch":
		client, err := osclient.New(cfg.Store.OpenSearch)
		if err != nil {
			return nil, err
		}
		st := osstore.New(client, cfg.Store.OpenSearch)
		if err := st.Ping(ctx); err != nil {
			return nil, err
		}
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *app) cursor() (cursor.Store, error) {
	switch a.cfg.Cursor.Backend {
	case "redis":
		if a.redis == nil {
			return nil, errors.New("cursor backend redis requires redis.enabled")
		}
		return cursor.NewRedisStore(a.redis, a.cfg.Cursor.Key), nil
	case "badger":
		return cursor.NewBadgerStore(cursor.BadgerConfig{Path: a.cfg.Cursor.BadgerPath})
	default:
		return cursor.NewMemory(), nil
	}
}

func (a *app) source() (source.Source, error) {
	if a.cfg.Source.Backend != "opensearch" {
		return source.Empty{}, nil
	}
	client, err := osclient.New(a.cfg.Source.OpenSearch)
	if err != nil {
		return nil, err
	}
	return source.NewOpenSearchSource(client, a.cfg.Source.IndexPattern, a.cfg.Source.TimestampField), nil
}

func (a *app) normalizer() (*normalizer.Normalizer, error) {
	fields := normalizer.FieldMap(a.cfg.Normalizer.Fields)
	words := normalizer.SeverityMap(a.cfg.Normalizer.SeverityWords)
	if path := a.cfg.Normalizer.FieldMapFile; path != "" {
		fc, err := normalizer.LoadFile(path)
		if err != nil {
			return nil, err
		}
		fields = fc.Fields.Merge(fields)
		words = fc.SeverityWords.Merge(words)
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	return normalizer.New(fields, words), nil
}

// scheduler builds a scheduler with every maintenance job registered.
func (a *app) scheduler(ctx context.Context, elector leader.Elector) (*scheduler.Scheduler, error) {
	reporters := []scheduler.Reporter{
		scheduler.LogReporter{Logger: a.logger.Component("jobs")},
		scheduler.MetricsReporter{},
	}
	if a.nats != nil {
		reporters = append(reporters, messaging.NewSummaryPublisher(a.nats, a.logger))
	}
	s := scheduler.New(
		scheduler.WithElector(elector),
		scheduler.WithReporters(reporters...),
		scheduler.WithLogger(a.logger),
	)

	src, err := a.source()
	if err != nil {
		return nil, err
	}
	norm, err := a.normalizer()
	if err != nil {
		return nil, err
	}
	cur, err := a.cursor()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cur.Close)

	opts := []ingest.Option{ingest.WithLogger(a.logger)}
	if a.js != nil {
		queue, err := messaging.NewReplayQueue(ctx, a.js, a.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ingest.WithReplay(queue))
	}
	ingestJob := ingest.New(src, norm, a.store, cur, ingest.Config{
		Overlap:         a.cfg.Ingest.Overlap,
		InitialLookback: a.cfg.Ingest.InitialLookback,
		FetchLimit:      a.cfg.Ingest.FetchLimit,
		FetchTimeout:    a.cfg.Ingest.FetchTimeout,
	}, opts...)

	tiers := a.policy.Tiers()
	sched := a.cfg.Schedule
	register := []func() error{
		func() error {
			return s.Register(indexmgr.NewIndexManager(a.store, tiers, a.logger), sched.Indexes, scheduler.RunAtStart())
		},
		func() error { return s.Register(ingestJob, sched.Ingest) },
		func() error {
			return s.Register(migrator.New(a.store, a.policy, a.cfg.Tiering.BatchSize, a.logger), sched.Migrate)
		},
		func() error { return s.Register(dedup.New(a.store, tiers, a.logger), sched.Dedup) },
		func() error {
			return s.Register(dedup.NewSeverityPass(a.store, tiers, norm.Severity(), a.logger), sched.Severity)
		},
		func() error { return s.Register(retention.NewReaper(a.store, a.policy, a.logger), sched.Reap) },
	}
	for _, r := range register {
		if err := r(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *app) fanout() *fanout.Fanout {
	q := a.cfg.Query
	return fanout.New(a.store, a.policy, fanout.Config{
		DefaultLimit:         q.DefaultLimit,
		MaxDepth:             q.MaxDepth,
		HighSeverityMinLevel: q.HighSeverityMinLevel,
		MaxLevel:             q.MaxLevel,
	}, fanout.WithLogger(a.logger))
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WarnContext(context.Background(), "close failed", logging.Error(err))
		}
	}
	a.closers = nil
}

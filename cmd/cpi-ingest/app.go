package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/cpi-ingest/pkg/client"
	"github.com/Sternrassler/cpi-ingest/pkg/config"
	"github.com/Sternrassler/cpi-ingest/pkg/fetcher"
	"github.com/Sternrassler/cpi-ingest/pkg/gate"
	"github.com/Sternrassler/cpi-ingest/pkg/logging"
	"github.com/Sternrassler/cpi-ingest/pkg/pipeline"
	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/store/clickhouse"
	"github.com/Sternrassler/cpi-ingest/pkg/store/filestore"
	"github.com/Sternrassler/cpi-ingest/pkg/store/memory"
	"github.com/Sternrassler/cpi-ingest/pkg/store/postgres"
	"github.com/Sternrassler/cpi-ingest/pkg/store/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the process-wide dependencies built from configuration.
type app struct {
	cfg     *config.Config
	catalog pipeline.Catalog
	redis   *redis.Client
	logger  zerolog.Logger

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.NewLogger("cli"),
	}

	if cfg.CatalogFile != "" {
		catalog, err := pipeline.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		a.catalog = catalog
	} else {
		a.catalog = pipeline.DefaultCatalog()
	}

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		a.redis = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
	}

	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// families returns the selected family, or the whole catalog when name is empty.
func (a *app) families(name string) (pipeline.Catalog, error) {
	if name == "" {
		return a.catalog, nil
	}
	f, ok := a.catalog.Family(name)
	if !ok {
		return pipeline.Catalog{}, fmt.Errorf("unknown family %q", name)
	}
	return pipeline.Catalog{Families: []pipeline.Family{f}}, nil
}

// errNoPersistedState is returned by commands that read stored datasets when
// the backend keeps nothing between invocations.
var errNoPersistedState = errors.New("the memory store keeps no state between invocations; select a durable STORE_BACKEND")

// requirePersistedState rejects the memory backend for read-only commands.
func (a *app) requirePersistedState() error {
	if a.cfg.Store.Backend == config.BackendMemory {
		return errNoPersistedState
	}
	return nil
}

// openStores connects the configured backend and returns a per-dataset store factory.
func (a *app) openStores(ctx context.Context) (pipeline.StoreFunc, error) {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		a.logger.Warn().Msg("Memory store selected: datasets and high-water marks are discarded on exit")
		m := newMemoryStores()
		return m.get, nil

	case config.BackendFile:
		dir := a.cfg.Store.DataDir
		// One Store per dataset so its in-process lock is shared by every cycle.
		var mu sync.Mutex
		stores := make(map[string]*filestore.Store)
		return func(dataset string) (store.Store, error) {
			mu.Lock()
			defer mu.Unlock()
			if s, ok := stores[dataset]; ok {
				return s, nil
			}
			s, err := filestore.New(dir, dataset)
			if err != nil {
				return nil, err
			}
			stores[dataset] = s
			return s, nil
		}, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, a.cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		return func(dataset string) (store.Store, error) {
			return postgres.New(pool, dataset), nil
		}, nil

	case config.BackendRedis:
		if a.redis == nil {
			return nil, fmt.Errorf("redis backend selected but no redis connection configured")
		}
		rdb := a.redis
		return func(dataset string) (store.Store, error) {
			return redisstore.New(rdb, dataset), nil
		}, nil

	case config.BackendClickHouse:
		conn, err := clickhouse.NewConn(ctx, a.cfg.Store.ClickHouseDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { conn.Close() })
		if err := clickhouse.Migrate(ctx, conn); err != nil {
			return nil, err
		}
		// One Store per dataset so its append lock is shared by every cycle.
		var mu sync.Mutex
		stores := make(map[string]*clickhouse.Store)
		return func(dataset string) (store.Store, error) {
			mu.Lock()
			defer mu.Unlock()
			if s, ok := stores[dataset]; ok {
				return s, nil
			}
			s := clickhouse.New(conn, dataset)
			stores[dataset] = s
			return s, nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", a.cfg.Store.Backend)
}

// newCycle builds the upstream client, fetcher and cycle runner.
func (a *app) newCycle(stores pipeline.StoreFunc) (*pipeline.Cycle, error) {
	c, err := client.New(clientConfig(a.cfg, a.redis))
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}
	a.closers = append(a.closers, func() { c.Close() })

	f, err := fetcher.New(c, fetcherConfig(a.cfg))
	if err != nil {
		return nil, err
	}

	cfg := pipeline.DefaultConfig()
	cfg.LookbackYears = a.cfg.LookbackYears
	cfg.Gate = gateConfig(a.cfg)
	return pipeline.NewCycle(f, stores, cfg)
}

func clientConfig(cfg *config.Config, rdb *redis.Client) client.Config {
	cc := client.DefaultConfig(cfg.BLS.APIKey)
	cc.BaseURL = cfg.BLS.BaseURL
	cc.UserAgent = cfg.BLS.UserAgent
	cc.Redis = rdb
	cc.DailyQuota = cfg.BLS.DailyQuota
	cc.EnforceDailyQuota = cfg.BLS.EnforceDailyQuota
	cc.RequestsPerSecond = cfg.BLS.RequestsPerSecond
	cc.Timeout = cfg.BLS.Timeout
	cc.MaxRetries = cfg.BLS.MaxRetries
	return cc
}

func fetcherConfig(cfg *config.Config) fetcher.Config {
	fc := fetcher.DefaultConfig()
	fc.ChunkSize = cfg.BLS.ChunkSize
	return fc
}

func gateConfig(cfg *config.Config) gate.Config {
	return gate.Config{
		MaxAttempts:    cfg.Gate.MaxAttempts,
		InitialBackoff: cfg.Gate.InitialBackoff,
		MaxBackoff:     cfg.Gate.MaxBackoff,
		Multiplier:     cfg.Gate.Multiplier,
		Jitter:         cfg.Gate.Jitter,
	}
}

// memoryStores hands out one in-process store per dataset.
type memoryStores struct {
	mu     sync.Mutex
	stores map[string]*memory.Store
}

func newMemoryStores() *memoryStores {
	return &memoryStores{stores: make(map[string]*memory.Store)}
}

func (m *memoryStores) get(dataset string) (store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[dataset]
	if !ok {
		s = memory.New(dataset)
		m.stores[dataset] = s
	}
	return s, nil
}

// Package app assembles the retrieval service from configuration: the
// connection pool, migrations, the embedding client with its optional Redis
// cache, every declared collection's store, and the knowledge hub on top.
// Construction is explicit; each dependency is built once and torn down by
// the returned cleanup in reverse order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cain76/finderskeepers-v2-sub003/db"
	"github.com/cain76/finderskeepers-v2-sub003/internal/config"
	"github.com/cain76/finderskeepers-v2-sub003/internal/database"
	"github.com/cain76/finderskeepers-v2-sub003/internal/embed"
	"github.com/cain76/finderskeepers-v2-sub003/internal/knowledge"
	"github.com/cain76/finderskeepers-v2-sub003/internal/log"
	"github.com/cain76/finderskeepers-v2-sub003/internal/observability"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval/memstore"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval/pgstore"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval/qdrantstore"
)

// App holds the assembled service.
type App struct {
	Hub      *knowledge.Hub
	Embedder embed.Embedder
	Pool     *pgxpool.Pool // nil when no collection uses the postgres backend
}

// New builds the service from cfg. The returned cleanup releases every
// resource; it is safe to call after a partial failure has already been
// cleaned up internally.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = log.New(log.Config{})
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*App, func(), error) {
		cleanup()
		return nil, nil, err
	}

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fail(fmt.Errorf("set up tracing: %w", err))
	}
	cleanups = append(cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	})

	embedder, err := newEmbedder(cfg, logger, &cleanups)
	if err != nil {
		return fail(err)
	}

	hub, err := knowledge.NewHub(embedder, logger,
		knowledge.WithRetryPolicy(retrieval.RetryPolicy{
			MaxRetries:          cfg.Retry.MaxRetries,
			InitialInterval:     cfg.Retry.InitialInterval,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		}),
		queryCacheOption(cfg),
	)
	if err != nil {
		return fail(fmt.Errorf("create hub: %w", err))
	}
	cleanups = append(cleanups, func() { _ = hub.Close() })

	var pool *pgxpool.Pool
	for _, collCfg := range cfg.Collections {
		coll := retrieval.Collection{
			Name:       collCfg.Name,
			Dimension:  collCfg.Dimension,
			FilterKeys: collCfg.FilterKeys,
		}

		var store retrieval.Store
		switch collCfg.Backend {
		case config.BackendMemory:
			store = memstore.New(coll)

		case config.BackendPostgres:
			if pool == nil {
				pool, err = newPool(ctx, cfg, logger, &cleanups)
				if err != nil {
					return fail(err)
				}
			}
			store, err = pgstore.New(ctx, pool, coll, logger.With("component", "pgstore"))
			if err != nil {
				return fail(fmt.Errorf("create postgres store for %q: %w", coll.Name, err))
			}

		case config.BackendQdrant:
			store, err = qdrantstore.New(ctx, qdrantstore.Options{
				BaseURL: cfg.QdrantURL,
				APIKey:  cfg.QdrantAPIKey,
			}, coll, logger.With("component", "qdrantstore"))
			if err != nil {
				return fail(fmt.Errorf("create qdrant store for %q: %w", coll.Name, err))
			}
		}

		if err := hub.Register(store); err != nil {
			return fail(fmt.Errorf("register collection %q: %w", coll.Name, err))
		}
	}

	return &App{Hub: hub, Embedder: embedder, Pool: pool}, cleanup, nil
}

func queryCacheOption(cfg *config.Config) knowledge.HubOption {
	if cfg.QueryCacheSize > 0 {
		return knowledge.WithQueryCache(cfg.QueryCacheSize)
	}
	return func(*knowledge.Hub) error { return nil }
}

func newEmbedder(cfg *config.Config, logger *slog.Logger, cleanups *[]func()) (embed.Embedder, error) {
	client, err := embed.NewClient(embed.Config{
		BaseURL:           cfg.Embedder.BaseURL,
		Model:             cfg.Embedder.Model,
		APIKey:            cfg.Embedder.APIKey,
		Dimension:         cfg.Embedder.Dimension,
		RequestsPerSecond: cfg.Embedder.RequestsPerSecond,
	}, logger.With("component", "embedder"))
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	if cfg.Redis.Addr == "" {
		return client, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	*cleanups = append(*cleanups, func() { _ = rdb.Close() })

	return embed.NewCachedEmbedder(client, rdb, cfg.Redis.TTL, cfg.Embedder.Model,
		logger.With("component", "embed-cache")), nil
}

func newPool(ctx context.Context, cfg *config.Config, logger *slog.Logger, cleanups *[]func()) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, closePool, err := database.NewPool(ctx, cfg.PostgresConnectionString(), database.PoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	*cleanups = append(*cleanups, closePool)
	return pool, nil
}

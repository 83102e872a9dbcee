// Package app wires the market engine's dependencies from configuration.
// Both the server and the marketctl CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oddsbook/market-engine/internal/config"
	"github.com/oddsbook/market-engine/internal/store"
)

// Dependencies bundles the persistence layer.
type Dependencies struct {
	// Store is the ledger every component reads and writes.
	Store store.Store

	// Postgres is set when a database URL is configured; nil on the
	// in-memory fallback.
	Postgres *store.PostgresStore

	// Redis is set when a Redis URL is configured. It backs the market
	// cache and the settlement lock.
	Redis *redis.Client
}

// Wire opens the configured store (PostgreSQL, or in-memory when no
// database URL is set) and the optional Redis cache. The returned cleanup
// releases every connection.
func Wire(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("ping postgres: %w", err)
		}

		deps.Postgres = store.NewPostgresStore(pool)
		deps.Store = deps.Postgres
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database URL not set, using in-memory store (data will not persist)")
		deps.Store = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { rdb.Close() })
		deps.Redis = rdb

		// Caching in front of the in-memory store buys nothing.
		if deps.Postgres != nil {
			deps.Store = store.NewCachedStore(deps.Store, rdb, cfg.Redis.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	}

	return deps, cleanup, nil
}

// Migrate applies the schema when running on PostgreSQL.
func (d *Dependencies) Migrate(ctx context.Context) error {
	if d.Postgres == nil {
		return nil
	}
	return d.Postgres.Migrate(ctx)
}

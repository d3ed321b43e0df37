package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/config"
	"github.com/lumi-journal/lumi/internal/journal"
	"github.com/lumi-journal/lumi/internal/kv"
	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/internal/storage/postgres"
	"github.com/lumi-journal/lumi/internal/storage/sqlite"
)

// openStores opens the configured storage backend and returns the stores
// built on it together with the closers that release its connections.
// On error every connection opened so far has already been closed.
func openStores(ctx context.Context, cfg config.StorageConfig) (app.Stores, []func() error, error) {
	var (
		stores  app.Stores
		closers []func() error
	)
	fail := func(err error) (app.Stores, []func() error, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return app.Stores{}, nil, err
	}

	switch cfg.Backend {
	case config.StorageSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		stores.Personas = persona.NewSQLiteStore(db)
		stores.Journal = journal.NewSQLiteStore(db)
		stores.KV = kv.NewSQLiteStore(db)

	case config.StoragePostgres:
		pool, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fail(err)
		}
		stores.Personas = persona.NewPostgresStore(pool)
		stores.Journal = journal.NewPostgresStore(pool)
		if cfg.RedisURL == "" {
			slog.Warn("postgres backend without redis_url, greeting flags are kept in memory")
			stores.KV = kv.NewMemoryStore()
		}

	default:
		stores.Personas = persona.NewMemoryStore()
		stores.Journal = journal.NewMemoryStore()
		stores.KV = kv.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		client, err := kv.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("open redis: %w", err))
		}
		closers = append(closers, client.Close)
		stores.KV = kv.NewRedisStore(client, cfg.RedisPrefix)
	}

	slog.Info("storage ready", "backend", cfg.Backend, "redis", cfg.RedisURL != "")
	return stores, closers, nil
}

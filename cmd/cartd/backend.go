package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-cartsync/api/controllers"
	"github.com/angelmondragon/packfinderz-cartsync/internal/merge"
	"github.com/angelmondragon/packfinderz-cartsync/internal/storage"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/db"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/idempotency"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/migrate"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/redis"
)

// backend bundles the durable pieces chosen by CARTSYNC_STORAGE_DRIVER.
type backend struct {
	medium   storage.Medium
	recorder idempotency.Recorder
	latch    merge.Latch
	// responses replays HTTP responses for a repeated Idempotency-Key; redis only.
	responses redis.IdempotencyStore
	pingers   map[string]controllers.Pinger
	closers   []func() error
}

func (b *backend) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	return err
}

func openBackend(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*backend, error) {
	b := &backend{pingers: map[string]controllers.Pinger{}}
	namespace := cfg.Storage.Namespace

	switch strings.ToLower(cfg.Storage.Driver) {
	case config.StorageDriverMemory:
		b.medium = storage.NewMemory()
		b.recorder = idempotency.NewMemory(cfg.Queue.ProcessedTTL)

	case config.StorageDriverRedis:
		client, err := b.openRedis(ctx, cfg, logg)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		medium, err := storage.NewRedis(client, namespace)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		recorder, err := idempotency.NewManager(client, cfg.Queue.ProcessedTTL)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		b.medium, b.recorder = medium, recorder

	case config.StorageDriverSQL:
		dbClient, err := db.New(ctx, cfg.DB, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database: %w", err)
		}
		b.closers = append(b.closers, dbClient.Close)
		b.pingers["database"] = dbClient

		if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
			return nil, multierr.Append(fmt.Errorf("run dev migrations: %w", err), b.Close())
		}
		medium, err := storage.NewSQL(dbClient.DB(), namespace)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		recorder, err := idempotency.NewSQL(dbClient.DB(), cfg.Queue.ProcessedTTL)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		b.medium, b.recorder = medium, recorder

		// Redis is optional next to sql; it adds the shared merge latch and
		// response replay.
		if cfg.Redis.URL != "" || cfg.Redis.Address != "" {
			if _, err := b.openRedis(ctx, cfg, logg); err != nil {
				return nil, multierr.Append(err, b.Close())
			}
		}

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	return b, nil
}

func (b *backend) openRedis(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*redis.Client, error) {
	client, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	b.closers = append(b.closers, client.Close)
	b.pingers["redis"] = client

	latch, err := merge.NewRedisLatch(client, cfg.Merge.LatchTTL)
	if err != nil {
		return nil, err
	}
	b.latch = latch
	b.responses = client
	return client, nil
}

package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/wolfeidau/binary-cache/backend"
	"github.com/wolfeidau/binary-cache/config"
	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/gc"
	"github.com/wolfeidau/binary-cache/store/metadb"
	"github.com/wolfeidau/binary-cache/telemetry"
)

// OpenIndex opens the configured metadata index.
func OpenIndex(ctx context.Context, cfg config.Database, logger *slog.Logger, extra ...metadb.Option) (metadb.Index, error) {
	opts := append([]metadb.Option{metadb.WithLogger(logger.With("component", "metadb"))}, extra...)
	switch cfg.Type {
	case "sqlite":
		db := metadb.NewSQLite(opts...)
		if err := db.Open(ctx, cfg.Path); err != nil {
			return nil, fmt.Errorf("opening sqlite index: %w", err)
		}
		return db, nil
	default:
		db := metadb.NewBoltDB(opts...)
		if err := db.Open(cfg.Path); err != nil {
			return nil, fmt.Errorf("opening bolt index: %w", err)
		}
		return db, nil
	}
}

// OpenStores builds a chunk store for every configured storage backend.
// Each backend is retried on transient errors and instrumented by name.
func OpenStores(cfg *config.Config, logger *slog.Logger) (*store.Registry, error) {
	stores := make(map[string]store.Store, len(cfg.Storage))
	for name, sc := range cfg.Storage {
		b, err := openBackend(sc)
		if err != nil {
			return nil, fmt.Errorf("storage %q: %w", name, err)
		}
		b = backend.NewRetrying(b, backend.WithRetryLogger(logger.With("component", "backend", "storage", name)))
		b = backend.NewInstrumentedBackend(b, name)
		stores[name] = store.NewCAFS(b, store.WithLogger(logger.With("component", "store", "storage", name)))
	}
	return store.NewRegistry(cfg.DefaultStorage, stores)
}

func openBackend(sc config.Storage) (backend.Backend, error) {
	switch sc.Type {
	case "s3":
		return backend.NewS3(backend.S3Config{
			Endpoint:        sc.Endpoint,
			Region:          sc.Region,
			Bucket:          sc.Bucket,
			Prefix:          sc.Prefix,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			UseSSL:          sc.UseSSL,
		})
	default:
		return backend.NewFilesystem(sc.Path)
	}
}

// NewCollector builds the garbage collector, with a Redis lock when one is
// configured. The returned close function releases the Redis client.
func NewCollector(cfg *config.Config, index metadb.Index, stores gc.Stores, logger *slog.Logger) (*gc.Manager, func() error) {
	closeFn := func() error { return nil }
	opts := []gc.ManagerOption{gc.WithLogger(logger.With("component", "gc"))}
	if mp := telemetry.MeterProvider(); mp != nil {
		opts = append(opts, gc.WithMetrics(mp.Meter("binary-cache/gc")))
	}

	if rl := cfg.GarbageCollection.RedisLock; rl != nil {
		client := redis.NewClient(&redis.Options{
			Addr:     rl.Addr,
			Username: rl.Username,
			Password: rl.Password,
			DB:       rl.DB,
		})
		opts = append(opts, gc.WithLocker(gc.NewRedisLocker(client, rl.Prefix, rl.TTL)))
		closeFn = client.Close
	}

	return gc.New(index, stores, cfg.GC(), opts...), closeFn
}

package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gestaozabele/sos/internal/config"
	"github.com/gestaozabele/sos/internal/db"
	"github.com/gestaozabele/sos/internal/session"
)

// openBackend escolhe onde o par de tokens é persistido. O closer libera a
// conexão subjacente na saída.
func openBackend(ctx context.Context, cfg config.SessionConfig) (session.Backend, func(), error) {
	switch cfg.Store {
	case config.SessionStoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis parse: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return session.NewRedisBackend(client, cfg.Namespace), func() { _ = client.Close() }, nil
	case config.SessionStorePostgres:
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		backend := session.NewPostgresBackend(pool, cfg.Namespace)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return backend, pool.Close, nil
	default:
		return session.NewMemoryBackend(), func() {}, nil
	}
}

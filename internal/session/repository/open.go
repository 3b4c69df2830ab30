package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backends accepted by Open.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Open returns the session store for backend. The returned close func releases
// resources owned by the store (the Redis client); it never closes db.
func Open(ctx context.Context, backend string, db *sql.DB, redisURL, prefix string) (Store, func() error, error) {
	switch backend {
	case BackendPostgres:
		if db == nil {
			return nil, nil, errors.New("session store: postgres backend needs a database")
		}
		return NewPostgresStore(db), func() error { return nil }, nil
	case BackendRedis:
		store, client, err := OpenRedis(ctx, redisURL, prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("session store: unknown backend %q", backend)
	}
}

// OpenRedis connects to the redis:// URL and verifies the connection with a ping.
// The caller owns the returned client and must Close it.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, prefix), client, nil
}

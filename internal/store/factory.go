package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i474232898/weather-sync/internal/weather"
)

// Closer releases resources held by a store.
type Closer func() error

// NewObservationStore builds the observation store for dbType ("memory",
// "postgres" or "mysql"), running migrations for SQL databases.
func NewObservationStore(ctx context.Context, dbType, databaseURL string) (weather.Store, Closer, error) {
	noop := func() error { return nil }

	switch dbType {
	case "", "memory":
		log.Printf("INFO: store: using in-memory observation store")
		return NewMemoryStore(), noop, nil
	case "postgres", "mysql":
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	if err := RunMigrations(dbType, databaseURL); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(dbType, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dbType, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", dbType, err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	s, err := NewSQLStore(db, dbType)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Printf("INFO: store: connected to %s", dbType)
	return s, s.Close, nil
}

// NewRunStore builds the run-status store ("memory" or "redis").
func NewRunStore(ctx context.Context, kind string, redisOpts *redis.Options, ttl time.Duration) (weather.RunStore, Closer, error) {
	switch kind {
	case "", "memory":
		return NewMemoryRunStore(ttl), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Printf("INFO: store: run status kept in redis at %s", redisOpts.Addr)
		return NewRedisRunStore(client, ttl), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported run store: %s", kind)
	}
}

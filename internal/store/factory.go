package store

import (
	"context"
	"fmt"

	mydb "github.com/TimurManjosov/flagship-sdk-backend/internal/db"
	"github.com/rs/zerolog"
)

// Supported store types.
const (
	TypeMemory   = "memory"
	TypeBadger   = "badger"
	TypeRedis    = "redis"
	TypePostgres = "postgres"
)

// Options selects and configures a backend for NewStore.
type Options struct {
	Type string

	// postgres
	DSN string

	// badger
	BadgerPath     string
	BadgerInMemory bool

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Logger zerolog.Logger
}

// NewStore creates a new store based on the given store type.
// Supported types: "memory", "badger", "redis", "postgres"
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeBadger:
		return OpenBadger(BadgerConfig{
			Path:     opts.BadgerPath,
			InMemory: opts.BadgerInMemory,
			Logger:   opts.Logger,
		})
	case TypeRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
	case TypePostgres:
		pool, err := mydb.NewPool(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		ps := NewPostgresStore(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ensure postgres schema: %w", err)
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}

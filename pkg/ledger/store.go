package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store persists ledger entries.
type Store interface {
	// Load returns every stored entry in append order.
	Load(ctx context.Context) ([]Entry, error)

	// Append durably adds one entry.
	Append(ctx context.Context, e Entry) error

	// Close releases any resources.
	Close() error
}

// Backend names accepted by NewStore.
const (
	BackendCSV   = "csv"
	BackendRedis = "redis"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend string // "csv" | "redis"

	// CSV
	Path string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

// NewStore creates the configured backend.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case BackendCSV, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("ledger path required for csv backend")
		}
		s, err := NewCSVStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis address required for redis backend")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Backend)
	}
}

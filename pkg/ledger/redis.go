package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRedisKey is the list key used when none is configured.
const DefaultRedisKey = "geoingest:ledger"

// RedisStore keeps the ledger as a Redis list of JSON entries.
// RPUSH gives append semantics; LRANGE 0 -1 is the full scan.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: client, key: key}
}

// Load reads the whole list.
func (s *RedisStore) Load(ctx context.Context) ([]Entry, error) {
	raw, err := s.redis.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", s.key, err)
	}

	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Warn().Err(err).Str("key", s.key).Int("index", i).Msg("Skipping malformed ledger entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append pushes one entry; it is durable once the server acknowledges it.
func (s *RedisStore) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if err := s.redis.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", s.key, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key holding the cursor.
const DefaultRedisKey = "tiering:ingest:cursor"

// RedisStore keeps the cursor in a Redis string.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a cursor store on key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Position, bool, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("failed to get cursor: %w", err)
	}

	pos, err := decode(data)
	if err != nil {
		return Position{}, false, err
	}
	return pos, true, nil
}

func (s *RedisStore) Save(ctx context.Context, pos Position) error {
	data, err := encode(pos)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// Close does not close the shared client.
func (s *RedisStore) Close() error {
	return nil
}

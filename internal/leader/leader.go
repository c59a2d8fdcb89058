// Package leader gates the maintenance jobs behind a lease so that at most
// one process runs them at a time.
package leader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/metrics"
)

// DefaultKey is the Redis key holding the lease.
const DefaultKey = "tiering:leader"

// Elector reports whether this process currently holds the lease.
type Elector interface {
	IsLeader() bool
}

// Always is an Elector for single-process deployments.
type Always struct{}

func (Always) IsLeader() bool { return true }

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisElector holds a lease stored as a Redis key with a TTL. The value is a
// per-process id so only the holder can extend or release it.
type RedisElector struct {
	redis  *redis.Client
	key    string
	id     string
	ttl    time.Duration
	held   atomic.Bool
	logger *logging.Logger
}

// NewRedisElector creates an elector on key.
func NewRedisElector(client *redis.Client, key string, ttl time.Duration, logger *logging.Logger) *RedisElector {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisElector{
		redis:  client,
		key:    key,
		id:     uuid.NewString(),
		ttl:    ttl,
		logger: logger.Component("leader"),
	}
}

// ID returns the lease value written by this process.
func (e *RedisElector) ID() string {
	return e.id
}

func (e *RedisElector) IsLeader() bool {
	return e.held.Load()
}

// Campaign makes one attempt to take the lease, or to extend it when already
// held, and returns whether it is held afterwards.
func (e *RedisElector) Campaign(ctx context.Context) (bool, error) {
	ok, err := e.redis.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		e.set(ctx, false)
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		n, err := extendScript.Run(ctx, e.redis, []string{e.key}, e.id, e.ttl.Milliseconds()).Int64()
		if err != nil {
			e.set(ctx, false)
			return false, fmt.Errorf("failed to extend lease: %w", err)
		}
		ok = n == 1
	}
	e.set(ctx, ok)
	return ok, nil
}

// Release gives up the lease if this process holds it.
func (e *RedisElector) Release(ctx context.Context) error {
	e.set(ctx, false)
	if err := releaseScript.Run(ctx, e.redis, []string{e.key}, e.id).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Run campaigns every ttl/3 until ctx is done, then releases the lease.
func (e *RedisElector) Run(ctx context.Context) {
	if _, err := e.Campaign(ctx); err != nil {
		e.logger.WarnContext(ctx, "lease campaign failed", logging.Error(err))
	}

	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Campaign(ctx); err != nil {
				e.logger.WarnContext(ctx, "lease campaign failed", logging.Error(err))
			}
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := e.Release(releaseCtx); err != nil {
				e.logger.WarnContext(releaseCtx, "lease release failed", logging.Error(err))
			}
			cancel()
			return
		}
	}
}

func (e *RedisElector) set(ctx context.Context, held bool) {
	if e.held.Swap(held) == held {
		return
	}
	if held {
		metrics.IsLeader.Set(1)
		e.logger.InfoContext(ctx, "acquired maintenance lease", "key", e.key)
	} else {
		metrics.IsLeader.Set(0)
		e.logger.InfoContext(ctx, "lost maintenance lease", "key", e.key)
	}
}

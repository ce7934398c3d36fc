package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a distributed Locker backed by redislock. Locks expire after TTL
// so a crashed holder cannot block a key forever.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	prefix  string
}

// NewRedis wraps rdb. ttl <= 0 defaults to 30s.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client:  redislock.New(rdb),
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
		prefix:  "crmsync:lock:",
	}
}

// Lock retries with linear backoff until the lock is obtained or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("lock %q not obtained: %w", key, err)
		}
		return nil, err
	}
	return func() {
		// Release with a fresh context: the caller's may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lk.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.Warn().Err(err).Str("key", key).Msg("redis lock release failed")
		}
	}, nil
}

package ingest

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// SeenSet remembers handled update ids so redeliveries short-circuit.
type SeenSet interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// LRUSeen is a process-local SeenSet with a size bound and TTL.
type LRUSeen struct {
	cache *expirable.LRU[string, struct{}]
}

// NewLRUSeen returns an LRUSeen holding at most size ids for ttl.
func NewLRUSeen(size int, ttl time.Duration) *LRUSeen {
	return &LRUSeen{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (s *LRUSeen) Seen(_ context.Context, id string) (bool, error) {
	return s.cache.Contains(id), nil
}

func (s *LRUSeen) Mark(_ context.Context, id string) error {
	s.cache.Add(id, struct{}{})
	return nil
}

// RedisSeen shares handled ids between processes.
type RedisSeen struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisSeen returns a RedisSeen whose keys expire after ttl.
func NewRedisSeen(rdb redis.UniversalClient, ttl time.Duration) *RedisSeen {
	return &RedisSeen{rdb: rdb, ttl: ttl, prefix: "crmsync:seen:"}
}

func (s *RedisSeen) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSeen) Mark(ctx context.Context, id string) error {
	return s.rdb.SetNX(ctx, s.prefix+id, 1, s.ttl).Err()
}

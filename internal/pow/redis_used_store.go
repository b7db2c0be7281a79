package pow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check.
var _ UsedStore = (*RedisUsedStore)(nil)

// RedisUsedStore marks used challenges in Redis. SETNX with a TTL gives the
// atomic set-if-absent the replay check needs across instances.
type RedisUsedStore struct {
	rdb *redis.Client
}

// NewRedisUsedStore creates a Redis-backed replay guard.
func NewRedisUsedStore(rdb *redis.Client) *RedisUsedStore {
	return &RedisUsedStore{rdb: rdb}
}

func (s *RedisUsedStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "waitgate:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

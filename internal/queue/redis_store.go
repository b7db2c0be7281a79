package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

const (
	queueKey       = "waitgate:queue"
	metaKeyPrefix  = "waitgate:queue:meta:"
	admitKeyPrefix = "waitgate:queue:admitted:"
)

// RedisStore implements Store on a Redis sorted set. The per-member metadata
// lives in a hash per member, and admitted bookkeeping uses one key per
// member so each entry carries its own TTL.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed queue store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Add(ctx context.Context, member string, score float64) (bool, error) {
	added, err := r.rdb.ZAddNX(ctx, queueKey, redis.Z{Score: score, Member: member}).Result()
	if err != nil {
		return false, fmt.Errorf("zadd: %w", err)
	}
	return added > 0, nil
}

func (r *RedisStore) Rank(ctx context.Context, member string) (int64, error) {
	rank, err := r.rdb.ZRank(ctx, queueKey, member).Result()
	if err == redis.Nil {
		return 0, ErrNotInQueue
	}
	if err != nil {
		return 0, fmt.Errorf("zrank: %w", err)
	}
	return rank, nil
}

func (r *RedisStore) Range(ctx context.Context, start, stop int64) ([]string, error) {
	members, err := r.rdb.ZRange(ctx, queueKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	return members, nil
}

func (r *RedisStore) Remove(ctx context.Context, member string) error {
	if err := r.rdb.ZRem(ctx, queueKey, member).Err(); err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	return nil
}

func (r *RedisStore) Card(ctx context.Context) (int64, error) {
	card, err := r.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return card, nil
}

func (r *RedisStore) SetMeta(ctx context.Context, member string, meta Meta) error {
	err := r.rdb.HSet(ctx, metaKeyPrefix+member,
		"queue_token", meta.QueueToken,
		"joined_at", strconv.FormatInt(meta.JoinedAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("hset meta: %w", err)
	}
	return nil
}

func (r *RedisStore) GetMeta(ctx context.Context, member string) (Meta, error) {
	fields, err := r.rdb.HGetAll(ctx, metaKeyPrefix+member).Result()
	if err != nil {
		return Meta{}, fmt.Errorf("hgetall meta: %w", err)
	}
	if len(fields) == 0 {
		return Meta{}, ErrNotInQueue
	}

	joinedMs, err := strconv.ParseInt(fields["joined_at"], 10, 64)
	if err != nil {
		return Meta{}, fmt.Errorf("parse joined_at: %w", err)
	}
	return Meta{
		QueueToken: fields["queue_token"],
		JoinedAt:   time.UnixMilli(joinedMs),
	}, nil
}

func (r *RedisStore) DeleteMeta(ctx context.Context, member string) error {
	if err := r.rdb.Del(ctx, metaKeyPrefix+member).Err(); err != nil {
		return fmt.Errorf("del meta: %w", err)
	}
	return nil
}

func (r *RedisStore) MarkAdmitted(ctx context.Context, member, token string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, admitKeyPrefix+member, token, ttl).Err(); err != nil {
		return fmt.Errorf("set admitted: %w", err)
	}
	return nil
}

func (r *RedisStore) AdmittedToken(ctx context.Context, member string) (string, error) {
	token, err := r.rdb.Get(ctx, admitKeyPrefix+member).Result()
	if err == redis.Nil {
		return "", ErrNotInQueue
	}
	if err != nil {
		return "", fmt.Errorf("get admitted: %w", err)
	}
	return token, nil
}

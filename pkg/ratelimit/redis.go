package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis fixed-window counters, shared across
// replicas. Each (key, window) pair maps to one counter per window start;
// the counter expires two windows after creation.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore writing keys under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit Limit) (bool, error) {
	sec := int64(limit.Window.Seconds())
	if sec < 1 {
		sec = 1
	}
	start := time.Now().Unix() / sec * sec
	bucket := s.prefix + ":" + key + ":" + limit.Window.String() + ":" + strconv.FormatInt(start, 10)

	count, err := s.client.Incr(ctx, bucket).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, bucket, 2*limit.Window).Err(); err != nil {
			return false, err
		}
	}
	return count <= limit.Max, nil
}

package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const blockKeyPrefix = "qbh:ratelimit:block:"

// RedisBlockStore shares rate limit blocks between API instances.
type RedisBlockStore struct {
	client *redis.Client
}

func NewRedisBlockStore(client *redis.Client) *RedisBlockStore {
	return &RedisBlockStore{client: client}
}

func (s *RedisBlockStore) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	unix, err := s.client.Get(ctx, blockKeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read rate limit block: %w", err)
	}

	until := time.UnixMilli(unix)
	if !time.Now().Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *RedisBlockStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, blockKeyPrefix+key, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store rate limit block: %w", err)
	}
	return nil
}

package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements tokenStore against a fixed-window counter kept in
// Redis, using go-redis in place of the hand-rolled RESP client this
// package's rate limiter once shipped with.
type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisStore(addr, password string, timeout time.Duration) *redisStore {
	return &redisStore{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		timeout: timeout,
	}
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}

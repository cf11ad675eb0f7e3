package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore is a CounterStore shared across API instances. Redis INCR is
// atomic, so two concurrent callers always observe distinct counts.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{
		client:  client,
		prefix:  "launchkit:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

// Incr advances the window counter, creating it with an expiry on first use.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	redisKey := s.prefix + key
	count, err := s.client.Incr(opCtx, redisKey).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		if err := s.client.Expire(opCtx, redisKey, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
	}
	ttl, err := s.client.PTTL(opCtx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return int(count), time.Now().Add(ttl), nil
}

// Get reads the counter without incrementing.
func (s *RedisStore) Get(ctx context.Context, key string) (int, time.Time, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	redisKey := s.prefix + key
	count, err := s.client.Get(opCtx, redisKey).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, err
	}
	ttl, err := s.client.PTTL(opCtx, redisKey).Result()
	if err != nil || ttl <= 0 {
		return count, time.Time{}, nil
	}
	return count, time.Now().Add(ttl), nil
}

// Close releases the client.
func (s *RedisStore) Close() {
	_ = s.client.Close()
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dailyCallsKeyFmt = "brokergate:quota:daily:%s"
	lastTickKeyFmt   = "brokergate:tick:%s"

	// Daily counters expire after two days so stale keys never accumulate.
	dailyCallsTTL = 48 * time.Hour
)

// RedisCache is the Redis-backed cache implementation.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg *Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func (r *RedisCache) IncrDailyCalls(ctx context.Context, day string) (int64, error) {
	key := fmt.Sprintf(dailyCallsKeyFmt, day)
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		r.client.Expire(ctx, key, dailyCallsTTL)
	}
	return n, nil
}

func (r *RedisCache) GetDailyCalls(ctx context.Context, day string) (int64, error) {
	n, err := r.client.Get(ctx, fmt.Sprintf(dailyCallsKeyFmt, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCache) SetLastTick(ctx context.Context, symbol string, data []byte, ttl time.Duration) error {
	return r.client.Set(ctx, fmt.Sprintf(lastTickKeyFmt, symbol), data, ttl).Err()
}

func (r *RedisCache) GetLastTick(ctx context.Context, symbol string) ([]byte, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(lastTickKeyFmt, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return data, err
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

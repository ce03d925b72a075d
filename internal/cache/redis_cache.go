package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/kiosk/internal/domain"
)

type RedisStatusCache struct {
	client *redis.Client
}

func NewRedisStatusCache(addr string, password string, db int) *RedisStatusCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStatusCache{client: client}
}

func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}

func (c *RedisStatusCache) Get(ctx context.Context, key string) (*domain.StatusSnapshot, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var status domain.StatusSnapshot
	if err := json.Unmarshal(val, &status); err != nil {
		return nil, false, err
	}
	return &status, true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, key string, value *domain.StatusSnapshot, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

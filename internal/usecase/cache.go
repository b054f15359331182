package usecase

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	// Generation reads the counter under genKey; a missing counter is 0.
	Generation(ctx context.Context, genKey string) (int64, error)
	// Bump increments the counter under genKey.
	Bump(ctx context.Context, genKey string) error
	// SetIfGeneration writes key only while genKey still holds gen, atomically.
	SetIfGeneration(ctx context.Context, key string, value interface{}, expiration time.Duration, genKey string, gen int64) (bool, error)
}

// setIfGeneration compares the generation counter and writes the value in one
// server-side step. A missing counter compares as 0.
var setIfGeneration = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if not current then current = "0" end
if current ~= ARGV[2] then return 0 end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Del removes keys from Redis.
func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Generation reads a generation counter.
func (c *RedisCache) Generation(ctx context.Context, genKey string) (int64, error) {
	gen, err := c.client.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Bump increments a generation counter.
func (c *RedisCache) Bump(ctx context.Context, genKey string) error {
	return c.client.Incr(ctx, genKey).Err()
}

// SetIfGeneration writes key only if genKey still holds gen.
func (c *RedisCache) SetIfGeneration(ctx context.Context, key string, value interface{}, expiration time.Duration, genKey string, gen int64) (bool, error) {
	written, err := setIfGeneration.Run(ctx, c.client, []string{key, genKey},
		value, strconv.FormatInt(gen, 10), expiration.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

// noCache is used when Redis is disabled; every read misses.
type noCache struct{}

func (noCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (noCache) Get(context.Context, string) (string, error)                   { return "", redis.Nil }
func (noCache) Del(context.Context, ...string) error                          { return nil }
func (noCache) Generation(context.Context, string) (int64, error)             { return 0, nil }
func (noCache) Bump(context.Context, string) error                            { return nil }
func (noCache) SetIfGeneration(context.Context, string, interface{}, time.Duration, string, int64) (bool, error) {
	return false, nil
}

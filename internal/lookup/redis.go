package lookup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares lookups between processes. Redis owns expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisCache(ctx context.Context, redisURL, prefix string, logger *slog.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	opt.MaxRetries = 2
	opt.DialTimeout = 2 * time.Second
	opt.ReadTimeout = time.Second
	opt.WriteTimeout = time.Second
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}, nil
}

func (c *RedisCache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	k := c.prefix + key.String()
	val, err := c.client.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		recordHit()
		return val, true, nil
	case errors.Is(err, redis.Nil):
	default:
		if c.logger != nil {
			c.logger.Warn("lookup cache read failed", "key", k, "err", err)
		}
	}
	recordMiss()
	value, err := fetch(ctx)
	if err != nil {
		recordError()
		return nil, false, err
	}
	if ttl > 0 {
		if err := c.client.Set(ctx, k, value, ttl).Err(); err != nil && c.logger != nil {
			c.logger.Warn("lookup cache write failed", "key", k, "err", err)
		}
	}
	return value, false, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

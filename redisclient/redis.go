package redisclient

import (
    "context"
    "fmt"
    "time"

    "github.com/alfred-oss/fabric/config"
    "github.com/redis/go-redis/v9"
)

type Client struct {
    c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
    opt, err := redis.ParseURL(cfg.RedisURL)
    if err != nil {
        return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
    }
    r := redis.NewClient(opt)
    return &Client{c: r}, nil
}

func (r *Client) Ping() error {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    return r.c.Ping(ctx).Err()
}

// Get returns the stored value for key, and false if it does not exist.
func (r *Client) Get(ctx context.Context, key string) (string, bool, error) {
    v, err := r.c.Get(ctx, key).Result()
    if err == redis.Nil {
        return "", false, nil
    }
    if err != nil {
        return "", false, err
    }
    return v, true, nil
}

// Set stores value under key with the given TTL (0 means no expiry).
func (r *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
    return r.c.Set(ctx, key, value, ttl).Err()
}

// Del removes key.
func (r *Client) Del(ctx context.Context, key string) error {
    return r.c.Del(ctx, key).Err()
}

// Keys returns every key matching pattern (used for namespace flush/scan).
func (r *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
    return r.c.Keys(ctx, pattern).Result()
}

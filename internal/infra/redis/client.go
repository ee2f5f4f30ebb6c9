package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis operations shared between processor instances.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"      env:"REDIS_URL"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	Prefix   string `yaml:"prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "outreach"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func cronLockKey(prefix, name string) string {
	return fmt.Sprintf("%s:lock:cron:%s", prefix, name)
}

func userLockKey(prefix, userID string) string {
	return fmt.Sprintf("%s:lock:user:%s", prefix, userID)
}

func statsKey(prefix, name string) string {
	return fmt.Sprintf("%s:stats:%s", prefix, name)
}

// PutStats stores a JSON snapshot so other instances and the CLI can read it.
func (c *Client) PutStats(ctx context.Context, name string, payload []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, statsKey(c.prefix, name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set stats failed: %w", err)
	}
	return nil
}

// GetStats returns the stored snapshot, or nil when none exists.
func (c *Client) GetStats(ctx context.Context, name string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, statsKey(c.prefix, name)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats failed: %w", err)
	}
	return b, nil
}

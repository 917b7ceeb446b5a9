// Package redis provides the shared redis client used by the session cache
// and the sign-out reason store. An empty URL means redis is not configured;
// callers fall back to their in-memory stores.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client with a health probe.
type Client struct {
	*redis.Client
}

// Option adjusts connection settings beyond what the URL carries.
type Option func(*redis.Options)

func WithPool(size, minIdle int) Option {
	return func(o *redis.Options) {
		o.PoolSize = size
		o.MinIdleConns = minIdle
	}
}

func WithTimeouts(dial, read, write time.Duration) Option {
	return func(o *redis.Options) {
		o.DialTimeout = dial
		o.ReadTimeout = read
		o.WriteTimeout = write
	}
}

// New connects to the redis instance behind url and verifies it responds.
// Returns (nil, nil) when url is empty.
func New(ctx context.Context, url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, nil
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	for _, opt := range opts {
		opt(options)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client}, nil
}

// Health reports whether the connection still responds.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}

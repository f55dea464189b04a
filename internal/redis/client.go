// Package redis backs inbound-signal idempotency and per-recipient rate limiting.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	Namespace string // prefix for every key, "herald" when empty
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client wraps the go-redis client and owns the key namespace shared by the services.
type Client struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
}

// New connects and pings; a Redis that cannot be reached at startup is an error.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "herald"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.String("namespace", cfg.Namespace),
	)

	return &Client{rdb: rdb, namespace: cfg.Namespace, logger: logger}, nil
}

// key joins parts under the client's namespace
func (c *Client) key(parts ...string) string {
	return c.namespace + ":" + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

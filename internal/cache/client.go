// Package cache holds the Redis-backed read-through cache, token revocation
// list and batch command locks. Every helper degrades to a no-op when Redis
// is not configured or unreachable.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"coldfront/internal/middleware"
	"coldfront/internal/observability"

	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// errorCounter counts failed Redis commands by name. A missing key is not a
// failure.
type errorCounter struct{}

func (errorCounter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (errorCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		count(cmd.Name(), err)
		return err
	}
}

func (errorCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		count("pipeline", err)
		return err
	}
}

func count(op string, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RedisErrorRate.WithLabelValues(op).Inc()
	}
}

// Connect parses addr, either host:port or a redis:// URL, and pings the
// server.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	c := redis.NewClient(opts)
	c.AddHook(errorCounter{})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// InitRedis connects the package client. The portal runs without a cache
// when Redis is unreachable.
func InitRedis(addr string) {
	c, err := Connect(context.Background(), addr)
	if err != nil {
		middleware.Logger.Warn("redis unavailable, continuing without cache", "addr", addr, "error", err)
		client = nil
		return
	}
	middleware.Logger.Info("redis connected", "addr", c.Options().Addr)
	client = c
}

// SetClient replaces the client. Tests point it at miniredis; nil disables
// caching.
func SetClient(c *redis.Client) {
	if c != nil {
		c.AddHook(errorCounter{})
	}
	client = c
}

func GetClient() *redis.Client {
	return client
}

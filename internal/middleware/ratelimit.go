// Package middleware provides the fiber middleware shared by the API:
// authentication, logging, metrics, tracing and rate limiting.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

var errNoStore = errors.New("rate limit store unavailable")

// Limit is a fixed-window request budget for one named action.
type Limit struct {
	Name   string
	Max    int
	Window time.Duration
	// FailClosed rejects requests with 503 when Redis cannot be reached.
	// Otherwise they pass.
	FailClosed bool
}

// Limits used by the API.
var (
	TokenAuthLimit   = Limit{Name: "api_token_auth", Max: 10, Window: 5 * time.Minute}
	JoinRequestLimit = Limit{Name: "join_request", Max: 5, Window: 5 * time.Minute}
)

// Limiter counts requests per Limit and caller in Redis.
type Limiter struct {
	rdb     *redis.Client
	enabled bool
}

// NewLimiter returns a Limiter backed by rdb. Limits are not enforced in the
// test and development environments.
func NewLimiter(rdb *redis.Client, env string) *Limiter {
	switch env {
	case "", "test", "development":
		return &Limiter{rdb: rdb}
	}
	return &Limiter{rdb: rdb, enabled: true}
}

// Allow counts one request by caller against limit. It reports whether the
// request is within budget and, if not, how long until the window resets.
func (l *Limiter) Allow(ctx context.Context, limit Limit, caller string) (bool, time.Duration, error) {
	if !l.enabled {
		return true, 0, nil
	}
	if l.rdb == nil {
		return false, 0, errNoStore
	}

	key := fmt.Sprintf("rl:%s:%s", limit.Name, caller)
	cnt, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if cnt == 1 {
		if err := l.rdb.Expire(ctx, key, limit.Window).Err(); err != nil {
			return false, 0, err
		}
	}
	if cnt <= int64(limit.Max) {
		return true, 0, nil
	}
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = limit.Window
	}
	return false, ttl, nil
}

// Handler enforces limit per authenticated user, or per client IP before
// authentication.
func (l *Limiter) Handler(limit Limit) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		caller := "ip:" + c.IP()
		if uid, ok := c.Locals("userID").(uint); ok {
			caller = "user:" + strconv.FormatUint(uint64(uid), 10)
		}

		allowed, retry, err := l.Allow(ctx, limit, caller)
		if err != nil {
			Logger.WarnContext(ctx, "rate limit check failed",
				"limit", limit.Name, "fail_closed", limit.FailClosed, "error", err)
			if limit.FailClosed {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Rate limiting is unavailable"})
			}
			return c.Next()
		}
		if !allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Round(time.Second).Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests"})
		}
		return c.Next()
	}
}

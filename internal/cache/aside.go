package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"coldfront/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Aside returns the value cached at key, or calls load and caches what it
// returns for ttl. Redis failures fall back to load; load errors are not
// cached.
func Aside[T any](ctx context.Context, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	kind, _, _ := strings.Cut(key, ":")
	if client != nil {
		raw, err := client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var v T
			if json.Unmarshal(raw, &v) == nil {
				observability.CacheLookups.WithLabelValues(kind, "hit").Inc()
				return v, nil
			}
			observability.CacheLookups.WithLabelValues(kind, "error").Inc()
		case errors.Is(err, redis.Nil):
			observability.CacheLookups.WithLabelValues(kind, "miss").Inc()
		default:
			observability.CacheLookups.WithLabelValues(kind, "error").Inc()
		}
	}

	v, err := load()
	if err != nil || client == nil {
		return v, err
	}
	if raw, err := json.Marshal(v); err == nil {
		client.Set(ctx, key, raw, ttl)
	}
	return v, nil
}

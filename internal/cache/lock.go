package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock already held")

const lockKeyPrefix = "lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held Redis lock.
type Lock struct {
	key   string
	token string
}

// AcquireLock takes the named lock for ttl. Without Redis the lock is a
// no-op so single-node development still works.
func AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	l := &Lock{key: lockKeyPrefix + name, token: uuid.NewString()}
	if client == nil {
		return l, nil
	}
	ok, err := client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return l, nil
}

// Release drops the lock if it is still owned by this holder.
func (l *Lock) Release(ctx context.Context) error {
	if client == nil || l == nil {
		return nil
	}
	return releaseScript.Run(ctx, client, []string{l.key}, l.token).Err()
}

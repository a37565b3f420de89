package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by a Locker when another process holds the lock.
var ErrLockHeld = errors.New("gc: lock held by another process")

// Locker provides mutual exclusion across processes sharing one metadata
// store. Sweeps within a process are already single-flight per cache.
type Locker interface {
	// Acquire takes the lock for key or returns ErrLockHeld. The returned
	// function releases it.
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was retaken elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX and a TTL.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder
// keeps the lock and must exceed the longest expected sweep.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "binary-cache:gc:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	k := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring gc lock %s: %w", k, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", k, ErrLockHeld)
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("releasing gc lock %s: %w", k, err)
		}
		return nil
	}, nil
}

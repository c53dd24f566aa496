// Package lock serializes mapping runs for the same drug across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("run lock held by another process")

const keyPrefix = "indication-mapper:run:"

// release deletes the key only if it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX based lock with a TTL so a crashed run cannot hold it forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a lock on client. ttl bounds how long a run may hold it.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, ttl: ttl}
}

// Acquire takes the lock for name, using token as the owner marker.
// The returned func releases it.
func (l *Redis) Acquire(ctx context.Context, name, token string) (func(context.Context) error, error) {
	key := keyPrefix + name
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func(ctx context.Context) error {
		if err := release.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// Nop never blocks. It is used when no Redis is configured.
type Nop struct{}

// Acquire always succeeds.
func (Nop) Acquire(context.Context, string, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// Package lock serializes work on one booking across service replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
)

// ErrNotHeld is returned by an unlock whose token no longer owns the key,
// typically because the TTL expired and another caller took it.
var ErrNotHeld = errors.New("lock not held")

// UnlockFunc releases a lock taken by Locker.Acquire.
type UnlockFunc func(ctx context.Context) error

// Locker takes short-lived exclusive locks by key.
type Locker interface {
	// Acquire takes the lock or fails with an apperrors conflict when someone
	// else holds it. It never waits.
	Acquire(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker storing keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	if key == "" {
		return nil, apperrors.InvalidInput("lock key is required")
	}

	fullKey := l.prefix + key
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, apperrors.Transient("acquire lock", err)
	}
	if !ok {
		return nil, apperrors.Conflict(fmt.Sprintf("%s is locked by another request", key))
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, nil
}

// NopLocker grants every lock. It is used when Redis is disabled; saga
// instances stay unique per booking through the database constraint.
type NopLocker struct{}

// Acquire implements Locker.
func (NopLocker) Acquire(context.Context, string, time.Duration) (UnlockFunc, error) {
	return func(context.Context) error { return nil }, nil
}

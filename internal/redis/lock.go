package redisclient

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
)

const (
	slotLockPrefix = "lock:slot:"
	releaseTimeout = time.Second
)

var ErrLockNotAcquired = errors.New("slot lock not acquired")

// Locker serializes booking attempts for one (date, slot) key across API
// instances. It is the fast path; the schedule transaction still decides.
type Locker interface {
	WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error
}

type redisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSlotLocker returns a Locker backed by SETNX keys that expire after
// ttl. fn runs with a deadline no later than the key's expiry.
func NewRedisSlotLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisSlotLocker{client: client, ttl: ttl}
}

func (l *redisSlotLocker) WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error {
	if slotKey == "" {
		return errors.New("slot lock: empty key")
	}
	key := slotLockPrefix + slotKey
	holder := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, holder, l.ttl).Result()
	if err != nil {
		return apperr.Unavailable("acquire slot lock "+slotKey, err)
	}
	if !acquired {
		return ErrLockNotAcquired
	}
	defer l.release(ctx, key, holder)

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(lockCtx)
}

// compareAndDelete removes the key only while it still holds our value, so
// a lock that expired and was taken by another instance is left alone.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisSlotLocker) release(ctx context.Context, key, holder string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	deleted, err := compareAndDelete.Run(ctx, l.client, []string{key}, holder).Int()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		log.Printf("slot lock release failed key=%s: %v", key, err)
	case deleted == 0:
		log.Printf("slot lock expired before release key=%s ttl=%s", key, l.ttl)
	}
}

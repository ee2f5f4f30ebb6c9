package batch

import (
	"context"
	"time"

	"github.com/vietddude/outreach/internal/infra/redis"
)

// Lock is a held distributed lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out distributed locks. A nil Lock with a nil error means the
// lock is held elsewhere.
type Locker interface {
	TryLockCron(ctx context.Context, name string, ttl time.Duration) (Lock, error)
	TryLockUser(ctx context.Context, userID string, ttl time.Duration) (Lock, error)
}

// RedisLocker adapts the redis client to Locker.
type RedisLocker struct {
	Client *redis.Client
}

func (r RedisLocker) TryLockCron(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	l, err := r.Client.TryLockCron(ctx, name, ttl)
	if err != nil || l == nil {
		return nil, err
	}
	return l, nil
}

func (r RedisLocker) TryLockUser(ctx context.Context, userID string, ttl time.Duration) (Lock, error) {
	l, err := r.Client.TryLockUser(ctx, userID, ttl)
	if err != nil || l == nil {
		return nil, err
	}
	return l, nil
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Release frees the lock if it is still owned.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s failed: %w", l.key, err)
	}
	return nil
}

// TryLockCron takes the cross-process single-flight lock for a cron job.
// It returns nil without error when another instance holds it.
func (c *Client) TryLockCron(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	return c.tryLock(ctx, cronLockKey(c.prefix, name), ttl)
}

// TryLockUser takes the per-user advisory lock that serializes jobs of one user.
func (c *Client) TryLockUser(ctx context.Context, userID string, ttl time.Duration) (*Lock, error) {
	return c.tryLock(ctx, userLockKey(c.prefix, userID), ttl)
}

func (c *Client) tryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{rdb: c.rdb, key: key, token: token}, nil
}

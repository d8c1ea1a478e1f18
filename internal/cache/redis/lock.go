package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quantgrid/flowbot/internal/domain"
)

// releaseTimeout bounds the unlock round trip so a release still goes
// through after the caller's context has been cancelled.
const releaseTimeout = 5 * time.Second

// compareAndDelete removes a lock key only when it still holds the caller's
// token, so an expired holder cannot release a lock reacquired by someone
// else.
const compareAndDelete = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.Locker with Redis SET NX and a
// token-checked Lua release. The replay coordinator uses it to keep a
// single replay session active per deployment.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(compareAndDelete),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes a distributed lock for key with the given TTL and returns an
// idempotent unlock function. If another party holds the lock it returns
// domain.ErrLockHeld without blocking.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()

			// Best effort: the TTL reclaims the lock if the release fails.
			_ = lm.release.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}

	return unlock, nil
}

var _ domain.Locker = (*LockManager)(nil)

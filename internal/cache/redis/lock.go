package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"floorescrow/internal/escrow"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// LockManager serialises escrow transitions across processes with SETNX and
// a conditional Lua unlock. Acquire blocks until the lock is free or ctx ends.
type LockManager struct {
	client   *Client
	unlockSc *redis.Script
	retry    time.Duration
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		client:   c,
		unlockSc: redis.NewScript(unlockLua),
		retry:    defaultLockRetry,
	}
}

func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	token := uuid.NewString()
	lk := lm.client.key("lock:", key)

	ticker := time.NewTicker(lm.retry)
	defer ticker.Stop()
	for {
		ok, err := lm.client.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: lock %s held: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.client.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ escrow.Locker = (*LockManager)(nil)

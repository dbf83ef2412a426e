package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis is a distributed Locker for multi-instance deployments. Each key is
// a SET NX PX lease holding a per-acquisition token; contended keys are
// retried until the wait bound expires.
type Redis struct {
	rdb    *redis.Client
	lease  time.Duration
	wait   time.Duration
	retry  time.Duration
	unlock *redis.Script
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis locker. lease bounds how long a crashed holder
// can block others; it must comfortably exceed the longest unit of work.
func NewRedis(rdb *redis.Client, wait, lease time.Duration) *Redis {
	return &Redis{
		rdb:    rdb,
		lease:  lease,
		wait:   wait,
		retry:  10 * time.Millisecond,
		unlock: redis.NewScript(unlockLua),
	}
}

func redisKey(key string) string {
	return "lock:" + key
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	ordered := Order(keys)
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	held := make([]string, 0, len(ordered))
	for _, key := range ordered {
		for {
			ok, err := r.rdb.SetNX(ctx, redisKey(key), token, r.lease).Result()
			if err != nil {
				r.releaseAll(held, token)
				return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
			}
			if ok {
				held = append(held, key)
				break
			}
			if time.Now().After(deadline) {
				r.releaseAll(held, token)
				return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
			}

			select {
			case <-time.After(r.retry):
			case <-ctx.Done():
				r.releaseAll(held, token)
				return nil, ctx.Err()
			}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.releaseAll(held, token) })
	}, nil
}

// releaseAll uses a fresh context so release succeeds even if the caller's
// context is already cancelled.
func (r *Redis) releaseAll(keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(keys) - 1; i >= 0; i-- {
		_ = r.unlock.Run(ctx, r.rdb, []string{redisKey(keys[i])}, token).Err()
	}
}

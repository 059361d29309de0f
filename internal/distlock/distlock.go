// Package distlock provides a short-lived cross-process mutual exclusion
// primitive backed by Redis, for the handful of operations that must not run
// concurrently across more than one gallery-core replica: a cloud-drive
// backend's OAuth token refresh, and the dispatcher's round-robin cursor.
package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the lock was already released or
// had expired before the caller tried to release it.
var ErrNotHeld = errors.New("distlock: lock not held")

// Lock guards named critical sections with a Redis SET NX key. It is safe
// for concurrent use by multiple goroutines and processes.
type Lock struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a Lock using rdb for coordination. Held locks expire after
// ttl even if the holder crashes without releasing them.
func New(rdb *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{rdb: rdb, ttl: ttl}
}

// releaseScript deletes key only if it still holds the expected token,
// so a process can't release a lock it no longer owns after its TTL expired
// and someone else acquired it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// handle is the token returned by TryLock, passed back to Unlock.
type handle struct {
	key   string
	token string
}

// TryLock attempts to acquire the named lock, returning ok=false without
// blocking if another holder currently has it.
func (l *Lock) TryLock(ctx context.Context, name string) (*handle, bool, error) {
	key := "distlock:" + name
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &handle{key: key, token: token}, true, nil
}

// Unlock releases h if it is still the current holder.
func (l *Lock) Unlock(ctx context.Context, h *handle) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{h.key}, h.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding the named lock, blocking with a small
// backoff until it is acquired or ctx is done. Use for critical sections
// that must run on exactly one replica at a time (a token refresh), not for
// high-throughput paths.
func (l *Lock) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	const pollInterval = 50 * time.Millisecond
	for {
		h, ok, err := l.TryLock(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			defer l.Unlock(ctx, h)
			return fn(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// NextCursor atomically increments and returns the shared round-robin
// counter named key, so multiple dispatcher replicas spread load across
// model clients instead of each starting from index zero.
func (l *Lock) NextCursor(ctx context.Context, key string) (int64, error) {
	return l.rdb.Incr(ctx, "distlock:cursor:"+key).Result()
}

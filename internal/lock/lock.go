// Package lock provides a short-lived distributed mutual-exclusion primitive
// coordinated through the shared key-value store. Locks always carry a TTL so
// a crashed holder cannot deadlock other processes indefinitely.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"catalog-backend/internal/kv"
)

// releaseScript deletes the lock key only while it still holds the caller's
// token, so a holder that lost its lease to TTL reclamation can never release
// a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ErrInvalidTTL is returned when a lock is requested without an expiry.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Locker acquires and releases store-backed locks.
type Locker struct {
	store  *kv.Client
	logger *zap.Logger
}

// NewLocker creates a Locker over the shared store client.
func NewLocker(store *kv.Client, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{store: store, logger: logger}
}

// Acquire attempts to take the lock at key for ttl. It returns the owner
// token on success, and ok=false when the lock is already held. Contention is
// a control-flow signal, not an error.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}

	token = uuid.NewString()
	ok, err = l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("lock acquire failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	l.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return token, true, nil
}

// Release deletes the lock at key only if it is still owned by token. It
// reports whether the lock was actually released.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	result, err := l.store.Eval(ctx, releaseScript, []string{key}, token)
	if err != nil {
		return false, fmt.Errorf("lock release failed: %w", err)
	}

	deleted, _ := result.(int64)
	if deleted == 0 {
		l.logger.Debug("lock already reclaimed", zap.String("key", key))
		return false, nil
	}
	return true, nil
}

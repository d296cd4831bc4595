// Package redislock keeps the periodic sweep to one active instance.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// SweepLockName is the redis key guarding the sweep.
const SweepLockName = "loan-payments:sweep"

// RedisLocker is a single-try redsync mutex shared by every instance pointing at the same redis
type RedisLocker struct {
	rs   *redsync.Redsync
	name string
	ttl  time.Duration
	log  *logrus.Logger
}

// NewRedisLocker creates a locker over the given client
func NewRedisLocker(client *redis.Client, name string, ttl time.Duration, log *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		name: name,
		ttl:  ttl,
		log:  log,
	}
}

// TryLock takes the lock if nobody holds it. Contention is not an error.
func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	mutex := l.rs.NewMutex(l.name, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire %s: %w", l.name, err)
	}

	unlock := func() {
		// The sweep context may already be done; release on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			l.log.Warnf("Failed to release %s: %v", l.name, err)
		}
	}
	return unlock, true, nil
}

// redsync reports a held lock in more than one way depending on the failure path
func isContention(err error) bool {
	msg := err.Error()
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}

// LocalLocker guards the sweep within one process when redis is not configured
type LocalLocker struct {
	mu sync.Mutex
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

// TryLock implements the sweep locker
func (l *LocalLocker) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockBusy is returned when the lock could not be acquired within
	// the wait budget.
	ErrLockBusy = errors.New("kv: lock busy")

	// ErrLockLost is returned when Extend or Release find the lock held
	// by someone else (or expired). Callers releasing in a defer path
	// treat it as already released.
	ErrLockLost = errors.New("kv: lock lost")
)

// Compare-and-mutate scripts so only the holder can touch the lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// Lock is a TTL-bounded mutual-exclusion token in the KV store. The holder
// is identified by a random nonce; the TTL guarantees a crashed holder
// cannot wedge the worker forever.
type Lock struct {
	client *Client
	key    string
	nonce  string
}

// acquireRetryEvery is the polling period while waiting for a held lock.
const acquireRetryEvery = 50 * time.Millisecond

// AcquireLock blocks until the lock at key is taken or wait elapses. The
// lock is created with the given TTL; extend it before any operation that
// may outlive it.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	nonce := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := c.rdb.SetNX(ctx, key, nonce, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("kv lock %s: %w", key, err)
		}
		if ok {
			return &Lock{client: c, key: key, nonce: nonce}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryEvery):
		}
	}
}

// Extend replaces the lock TTL. Fails with ErrLockLost if the lock expired
// or was taken over.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.nonce, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("kv lock extend %s: %w", l.key, err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes the lock if still held. Returns ErrLockLost when the TTL
// already expired; the lock is effectively released either way.
func (l *Lock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.nonce).Int64()
	if err != nil {
		return fmt.Errorf("kv lock release %s: %w", l.key, err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Key returns the lock's key.
func (l *Lock) Key() string {
	return l.key
}

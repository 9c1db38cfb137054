package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromClient(rdb)
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, client.Set(ctx, "k", "v"))
	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, client.Del(ctx, "k"))
	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	for want := int64(1); want <= 3; want++ {
		got, err := client.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	val, err := client.GetInt(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestRPushLRange(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.RPush(ctx, "list", "a"))
	require.NoError(t, client.RPush(ctx, "list", "b"))

	vals, err := client.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vals)
}

func TestScanDel(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.Set(ctx, "pet_status:0", "OK"))
	require.NoError(t, client.Set(ctx, "pet_status:1", "OK"))
	require.NoError(t, client.Set(ctx, "generation:0", 0))

	require.NoError(t, client.ScanDel(ctx, "pet_status:*"))

	_, err := client.Get(ctx, "pet_status:0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = client.Get(ctx, "pet_status:1")
	assert.ErrorIs(t, err, ErrNotFound)

	// unrelated keys survive
	val, err := client.GetInt(ctx, "generation:0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), val)
}

func TestLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	lock, err := client.AcquireLock(ctx, "pet_lock:0", 10*time.Second, time.Second)
	require.NoError(t, err)

	// a second holder cannot acquire within its wait budget
	_, err = client.AcquireLock(ctx, "pet_lock:0", 10*time.Second, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, lock.Release(ctx))

	// released lock is immediately available
	lock2, err := client.AcquireLock(ctx, "pet_lock:0", 10*time.Second, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock2.Release(ctx))
}

func TestLockExtend(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	lock, err := client.AcquireLock(ctx, "pet_lock:1", time.Second, time.Second)
	require.NoError(t, err)

	assert.NoError(t, lock.Extend(ctx, 30*time.Second))
	require.NoError(t, lock.Release(ctx))
}

func TestLockLost(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	lock, err := client.AcquireLock(ctx, "pet_lock:2", 10*time.Second, time.Second)
	require.NoError(t, err)

	// simulate TTL expiry and takeover by another holder
	require.NoError(t, client.Del(ctx, "pet_lock:2"))
	other, err := client.AcquireLock(ctx, "pet_lock:2", 10*time.Second, time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, lock.Extend(ctx, time.Second), ErrLockLost)
	assert.ErrorIs(t, lock.Release(ctx), ErrLockLost)

	// the new holder is unaffected
	assert.NoError(t, other.Release(ctx))
}

func TestPubSubRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	sub := client.Subscribe(ctx, "arbiter:req:0")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "arbiter:req:0", `{"id":"1","reply_to":"r"}`))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"id":"1","reply_to":"r"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

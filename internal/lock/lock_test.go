package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Lock(ctx, "scenario-1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside, "two holders of the same key overlapped")
	assert.Empty(t, m.slots, "slots should be released once idle")
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	releaseA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := m.Lock(ctx, "b")
	require.NoError(t, err, "a lock on another key must not block")
	releaseB()
}

func TestKeyedMutex_TimesOut(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "busy")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestKeyedMutex_ReleaseIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	release()
	release()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	again()
	assert.Empty(t, m.slots)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:scenario-1", lockKey("scenario-1"))
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewRedisLocker(rdb, ttl)
	l.retry = 5 * time.Millisecond
	return l, mr
}

func TestRedisLocker_ExcludesUntilReleased(t *testing.T) {
	l, _ := newRedisLocker(t, time.Minute)

	release, err := l.Lock(context.Background(), "scenario:s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "scenario:s1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := l.Lock(ctx, "scenario:s1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ExpiredHolderDoesNotReleaseSuccessor(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)

	stale, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer current()

	stale()
	assert.True(t, mr.Exists(lockKey("k")), "the successor's lock must survive")
}

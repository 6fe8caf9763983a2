package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paynexus/internal/pkg/redis"
)

func exerciseMutualExclusion(t *testing.T, l Locker, key string) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			release, err := l.Acquire(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_SameKeyIsExclusive(t *testing.T) {
	exerciseMutualExclusion(t, NewLocalLocker(), "order:O-1")
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "a")
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestLocalLocker_DistinctKeysNest(t *testing.T) {
	l := NewLocalLocker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	outer, err := l.Acquire(ctx, "refund:R-1")
	require.NoError(t, err)
	inner, err := l.Acquire(ctx, "order:O-1")
	require.NoError(t, err)
	inner()
	outer()
	assert.Empty(t, l.slots)
}

func TestLocalLocker_ReleaseIsIdempotent(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release()
	release()

	release2, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release2()
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	l, err := NewRedisLocker(client, "test:lock:", time.Second)
	require.NoError(t, err)
	return l, mr
}

func TestRedisLocker(t *testing.T) {
	t.Run("mutual exclusion", func(t *testing.T) {
		l, _ := newTestRedisLocker(t)
		exerciseMutualExclusion(t, l, "order:O-2")
	})

	t.Run("release deletes only own token", func(t *testing.T) {
		l, mr := newTestRedisLocker(t)
		release, err := l.Acquire(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:lock:k"))

		// 模拟锁过期后被其他实例持有
		mr.Set("test:lock:k", "someone-else")
		release()
		got, err := mr.Get("test:lock:k")
		require.NoError(t, err)
		assert.Equal(t, "someone-else", got)
	})

	t.Run("times out while held", func(t *testing.T) {
		l, _ := newTestRedisLocker(t)
		release, err := l.Acquire(context.Background(), "busy")
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = l.Acquire(ctx, "busy")
		assert.ErrorIs(t, err, ErrNotAcquired)
	})
}

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rebook/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ domain.Locker = (*RedisLocker)(nil)
	_ domain.Locker = (*MemoryLocker)(nil)
)

func assertMutualExclusion(t *testing.T, locker domain.Locker) {
	t.Helper()
	var inside, maxInside, total int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "offer:1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&total, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(8), total)
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	assertMutualExclusion(t, locker)
	assert.Empty(t, locker.locks)

	t.Run("ContextCancelled", func(t *testing.T) {
		held := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = locker.WithLock(context.Background(), "k", func(context.Context) error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := locker.WithLock(ctx, "k", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		close(release)
	})
}

func TestRedisLocker(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, 5*time.Second, 2*time.Second)
	assertMutualExclusion(t, locker)
	assert.False(t, s.Exists("lock:offer:1"))

	t.Run("NotAcquired", func(t *testing.T) {
		require.NoError(t, s.Set("lock:busy", "someone-else"))
		impatient := NewRedisLocker(client, time.Second, 0)
		err := impatient.WithLock(context.Background(), "busy", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrLockNotAcquired)

		// чужой ключ не снимается
		v, err := s.Get("lock:busy")
		require.NoError(t, err)
		assert.Equal(t, "someone-else", v)
	})
}

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisLocker(rc, 5*time.Millisecond), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, DefaultName, 0, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, mr.TTL(Key(DefaultName)))

	_, err = l.Acquire(ctx, DefaultName, 20*time.Millisecond, 30*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	require.False(t, mr.Exists(Key(DefaultName)))

	again, err := l.Acquire(ctx, DefaultName, 0, time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()
	lease, err := l.Acquire(ctx, "w", 0, time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = lease.Release(ctx)
	}()
	second, err := l.Acquire(ctx, "w", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestRedisLeaseDoesNotReleaseForeignHolder(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()
	lease, err := l.Acquire(ctx, "x", 0, time.Second)
	require.NoError(t, err)

	// Lease expires and another process takes the lock.
	mr.FastForward(2 * time.Second)
	other, err := l.Acquire(ctx, "x", 0, time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	require.True(t, mr.Exists(Key("x")))
	require.NoError(t, other.Release(ctx))
	require.False(t, mr.Exists(Key("x")))
}

func TestRedisLockerOneWinnerUnderContention(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()
	var winners, losers atomic.Int32
	var held sync.WaitGroup
	held.Add(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "race", 0, time.Minute)
			if err != nil {
				losers.Add(1)
				return
			}
			winners.Add(1)
			held.Wait()
			_ = lease.Release(ctx)
		}()
	}
	require.Eventually(t, func() bool { return winners.Load()+losers.Load() == 8 }, time.Second, time.Millisecond)
	held.Done()
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestRedisLockerCancelledWhileWaiting(t *testing.T) {
	l, _ := newRedisLocker(t)
	lease, err := l.Acquire(context.Background(), "c", 0, time.Minute)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "c", time.Minute, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeaseSeconds(t *testing.T) {
	require.Equal(t, 1, leaseSeconds(0))
	require.Equal(t, 1, leaseSeconds(300*time.Millisecond))
	require.Equal(t, 30, leaseSeconds(30*time.Second))
	require.Equal(t, 31, leaseSeconds(30*time.Second+time.Millisecond))
}

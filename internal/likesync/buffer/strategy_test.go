package buffer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// contendHook bumps the watched key from another connection right before the
// first times HGETALLs it sees, which aborts the surrounding EXEC.
type contendHook struct {
	other *redis.Client
	key   string
	left  atomic.Int32
	fired atomic.Int32
}

func (h *contendHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *contendHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "hgetall" && h.left.Add(-1) >= 0 {
			h.fired.Add(1)
			if err := h.other.HIncrBy(ctx, h.key, "bob", 1).Err(); err != nil {
				return err
			}
		}
		return next(ctx, cmd)
	}
}

func (h *contendHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func contend(t *testing.T, f fixture, times int32) *contendHook {
	t.Helper()
	other := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	h := &contendHook{other: other, key: DefaultSourceKey}
	h.left.Store(times)
	f.client.AddHook(h)
	return h
}

func TestWatchStrategyRetriesAfterConcurrentWrite(t *testing.T) {
	f := newFixture(t)
	f.mr.HSet(DefaultSourceKey, "alice", "1")
	h := contend(t, f, 1)

	entries, malformed, err := NewWatchStrategy(f.client, 3).Transfer(context.Background(), DefaultSourceKey, "snap", time.Minute)
	require.NoError(t, err)
	require.Zero(t, malformed)
	require.Equal(t, int32(1), h.fired.Load())
	require.Equal(t, map[string]int64{"alice": 1, "bob": 1}, entries)
	require.False(t, f.mr.Exists(DefaultSourceKey))
	require.True(t, f.mr.Exists("snap"))
	require.Equal(t, time.Minute, f.mr.TTL("snap"))
}

func TestWatchStrategyGivesUpWhenContended(t *testing.T) {
	f := newFixture(t)
	f.mr.HSet(DefaultSourceKey, "alice", "1")
	h := contend(t, f, 100)

	_, _, err := NewWatchStrategy(f.client, 2).Transfer(context.Background(), DefaultSourceKey, "snap", time.Minute)
	require.ErrorIs(t, err, ErrTransferContended)
	require.Equal(t, int32(2), h.fired.Load())
	require.False(t, f.mr.Exists("snap"))
	require.Equal(t, "1", f.mr.HGet(DefaultSourceKey, "alice"))
	require.Equal(t, "2", f.mr.HGet(DefaultSourceKey, "bob"))
}

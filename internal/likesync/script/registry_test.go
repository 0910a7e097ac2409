package script

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"likesync/internal/likesync/telemetry"
)

func newTestRegistry(t *testing.T) (*Registry, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRegistry(rc, nil, nil), rc, mr
}

func TestWarmupCachesAllScripts(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.NoError(t, reg.Warmup(context.Background()))
	for _, name := range []string{Transfer, DeleteAndDecrement, Restore} {
		require.Len(t, reg.SHA(name), 40, name)
	}
	require.Empty(t, reg.SHA("nope"))
}

func TestRunLoadsLazilyWithoutWarmup(t *testing.T) {
	reg, rc, mr := newTestRegistry(t)
	ctx := context.Background()
	mr.HSet("{buffer:likes}", "alice", "3")

	res, err := reg.Run(ctx, Transfer, []string{"{buffer:likes}", "{buffer:likes}:sync:x"}, 60)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"alice", "3"}, res)
	require.NotEmpty(t, reg.SHA(Transfer))

	n, err := rc.Exists(ctx, "{buffer:likes}").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunRecoversFromNoScript(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	promReg := prometheus.NewRegistry()
	metrics := telemetry.New(promReg)
	reg := NewRegistry(rc, metrics, nil)
	ctx := context.Background()

	require.NoError(t, reg.Warmup(ctx))
	before := reg.SHA(Restore)

	// Simulate a server restart that dropped the script cache.
	require.NoError(t, rc.ScriptFlush(ctx).Err())

	mr.HSet("{buffer:likes}:sync:a", "bob", "4")
	res, err := reg.Run(ctx, Restore, []string{"{buffer:likes}:sync:a", "{buffer:likes}"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res)
	require.Equal(t, before, reg.SHA(Restore))
	require.Equal(t, "4", mr.HGet("{buffer:likes}", "bob"))

	count, err := testutil.GatherAndCount(promReg, "like_sync_script_reload_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRunWrapsOtherErrors(t *testing.T) {
	reg, _, mr := newTestRegistry(t)
	require.NoError(t, mr.Set("{buffer:likes}", "not-a-hash"))

	_, err := reg.Run(context.Background(), Transfer, []string{"{buffer:likes}", "{buffer:likes}:sync:y"}, 60)
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, Transfer, execErr.Script)
}

func TestRunUnknownScript(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Run(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrUnknownScript)
}

func TestDeleteAndDecrementOnlyWhenSnapshotExists(t *testing.T) {
	reg, _, mr := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("{buffer:likes}:total", "10"))
	mr.HSet("{buffer:likes}:sync:z", "carol", "7")

	res, err := reg.Run(ctx, DeleteAndDecrement, []string{"{buffer:likes}:sync:z", "{buffer:likes}:total"}, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), res)
	got, _ := mr.Get("{buffer:likes}:total")
	require.Equal(t, "3", got)

	res, err = reg.Run(ctx, DeleteAndDecrement, []string{"{buffer:likes}:sync:z", "{buffer:likes}:total"}, 7)
	require.NoError(t, err)
	require.Equal(t, int64(0), res)
	got, _ = mr.Get("{buffer:likes}:total")
	require.Equal(t, "3", got)
}

func TestRestoreIsAdditiveAndSkipsMalformed(t *testing.T) {
	reg, _, mr := newTestRegistry(t)
	mr.HSet("{buffer:likes}", "alice", "2")
	mr.HSet("{buffer:likes}:sync:r", "alice", "5", "bogus", "x1")

	res, err := reg.Run(context.Background(), Restore, []string{"{buffer:likes}:sync:r", "{buffer:likes}"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res)
	require.Equal(t, "7", mr.HGet("{buffer:likes}", "alice"))
	require.False(t, mr.Exists("{buffer:likes}:sync:r"))
}

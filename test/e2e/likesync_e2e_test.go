//go:build e2e

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"likesync/internal/likesync/persistence"
)

func isolated() (map[string]string, string) {
	id := uuid.NewString()[:8]
	return map[string]string{
		"LIKESYNC_BUFFER__SOURCE_KEY": "{buffer:likes:e2e:" + id + "}",
		"LIKESYNC_LOCK__NAME":         "like-db-sync-lock-e2e-" + id,
	}, "e2e-" + id
}

func TestLikesAreFlushedToCounter(t *testing.T) {
	rc := requireRedis(t)
	env, prefix := isolated()
	rs := startServer(t, env)

	alice, bob := prefix+"-alice", prefix+"-bob"
	t.Cleanup(func() { rc.HDel(context.Background(), persistence.RedisCounterKey, alice, bob) })

	rs.like(t, alice, 1, 20)
	rs.like(t, bob, 3, 5)

	require.Eventually(t, func() bool {
		a, _ := rc.HGet(context.Background(), persistence.RedisCounterKey, alice).Int64()
		b, _ := rc.HGet(context.Background(), persistence.RedisCounterKey, bob).Int64()
		return a == 20 && b == 15
	}, 5*time.Second, 50*time.Millisecond)

	n, err := rc.Exists(context.Background(), env["LIKESYNC_BUFFER__SOURCE_KEY"]).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestShutdownFlushesRemainder(t *testing.T) {
	rc := requireRedis(t)
	env, prefix := isolated()
	env["LIKESYNC_SYNC__INTERVAL"] = "1h"
	rs := startServer(t, env)

	carol := prefix + "-carol"
	t.Cleanup(func() { rc.HDel(context.Background(), persistence.RedisCounterKey, carol) })

	rs.like(t, carol, 2, 7)
	got, err := rc.HGet(context.Background(), persistence.RedisCounterKey, carol).Int64()
	require.Error(t, err)
	require.Zero(t, got)

	rs.stop(t)
	require.Eventually(t, func() bool { return rs.sawLog("stopping flush loop") }, 2*time.Second, 20*time.Millisecond)
	got, err = rc.HGet(context.Background(), persistence.RedisCounterKey, carol).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(14), got)
}

func TestOnDemandFlushIsIdempotent(t *testing.T) {
	rc := requireRedis(t)
	env, prefix := isolated()
	env["LIKESYNC_SYNC__INTERVAL"] = "1h"
	env["LIKESYNC_IDEMPOTENCY__NAMESPACE"] = prefix
	rs := startServer(t, env)

	dave := prefix + "-dave"
	t.Cleanup(func() { rc.HDel(context.Background(), persistence.RedisCounterKey, dave) })
	rs.like(t, dave, 1, 4)

	client := rs.client()
	require.Equal(t, 200, rs.flush(t, client, "job-1"))
	require.Equal(t, 409, rs.flush(t, client, "job-1"))

	got, err := rc.HGet(context.Background(), persistence.RedisCounterKey, dave).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(4), got)
}

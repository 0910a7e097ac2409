package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/dlq"
	"likesync/internal/likesync/script"
)

type failingMerger struct{}

func (failingMerger) Merge(context.Context, map[string]int64) error { return errors.New("redis down") }

// flakyMerger fails its failAt-th call and forwards every other call.
type flakyMerger struct {
	next   Merger
	calls  int
	failAt int
}

func (f *flakyMerger) Merge(ctx context.Context, entries map[string]int64) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("redis timeout")
	}
	return f.next.Merge(ctx, entries)
}

func newBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return buffer.New(rc, script.NewRegistry(rc, nil, nil), nil, buffer.Options{}, nil)
}

func openLog(t *testing.T, dir string) *replayLog {
	t.Helper()
	l, err := openReplayLog(sidecarPath(filepath.Join(dir, "dlq.jsonl")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestReplay_MergesIntoBuffer(t *testing.T) {
	buf := newBuffer(t)
	ctx := context.Background()
	require.NoError(t, buf.Increment(ctx, "alice", 1))

	events := []dlq.Event{
		dlq.NewEvent(buffer.DefaultSourceKey, "t1", map[string]int64{"alice": 5, "bob": 2}, nil),
		dlq.NewEvent(buffer.DefaultSourceKey, "t2", map[string]int64{"bob": 3}, nil),
	}

	res, err := replay(ctx, buf, events, "", true, nil, slog.Default())
	require.NoError(t, err)
	require.Equal(t, replayResult{Events: 2, Members: 3, Total: 10}, res)
	pending, err := buf.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"alice": 1}, pending)

	res, err = replay(ctx, buf, events, events[1].ID, false, nil, slog.Default())
	require.NoError(t, err)
	require.Equal(t, 1, res.Events)

	_, err = replay(ctx, buf, events[:1], "", false, nil, slog.Default())
	require.NoError(t, err)
	pending, err = buf.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"alice": 6, "bob": 5}, pending)
}

func TestReplay_StopsOnMergeError(t *testing.T) {
	events := []dlq.Event{dlq.NewEvent("s", "t", map[string]int64{"a": 1}, nil)}
	res, err := replay(context.Background(), failingMerger{}, events, "", false, nil, slog.Default())
	require.ErrorContains(t, err, "redis down")
	require.Zero(t, res.Events)
}

func TestReplay_RerunAfterFailureMergesEachEventOnce(t *testing.T) {
	dir := t.TempDir()
	buf := newBuffer(t)
	ctx := context.Background()
	events := []dlq.Event{
		dlq.NewEvent(buffer.DefaultSourceKey, "t1", map[string]int64{"alice": 100}, nil),
		dlq.NewEvent(buffer.DefaultSourceKey, "t2", map[string]int64{"bob": 7}, nil),
	}

	first := openLog(t, dir)
	_, err := replay(ctx, &flakyMerger{next: buf, failAt: 2}, events, "", false, first, slog.Default())
	require.ErrorContains(t, err, "redis timeout")
	require.NoError(t, first.Close())

	res, err := replay(ctx, buf, events, "", false, openLog(t, dir), slog.Default())
	require.NoError(t, err)
	require.Equal(t, 1, res.Events)
	require.Equal(t, 1, res.Skipped)

	pending, err := buf.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"alice": 100, "bob": 7}, pending)
}

func TestReplay_SingleEventThenFullRunMergesOnce(t *testing.T) {
	dir := t.TempDir()
	buf := newBuffer(t)
	ctx := context.Background()
	events := []dlq.Event{
		dlq.NewEvent(buffer.DefaultSourceKey, "t1", map[string]int64{"alice": 4}, nil),
		dlq.NewEvent(buffer.DefaultSourceKey, "t2", map[string]int64{"bob": 2}, nil),
	}

	done := openLog(t, dir)
	_, err := replay(ctx, buf, events, events[0].ID, false, done, slog.Default())
	require.NoError(t, err)
	res, err := replay(ctx, buf, events, events[0].ID, false, done, slog.Default())
	require.NoError(t, err)
	require.Equal(t, replayResult{Skipped: 1}, res)
	require.NoError(t, done.Close())

	res, err = replay(ctx, buf, events, "", false, openLog(t, dir), slog.Default())
	require.NoError(t, err)
	require.Equal(t, 1, res.Events)
	require.Equal(t, 1, res.Skipped)

	pending, err := buf.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"alice": 4, "bob": 2}, pending)

	raw, err := os.ReadFile(sidecarPath(filepath.Join(dir, "dlq.jsonl")))
	require.NoError(t, err)
	require.Equal(t, events[0].ID+"\n"+events[1].ID+"\n", string(raw))
}

func TestReplay_DryRunRecordsNothing(t *testing.T) {
	dir := t.TempDir()
	events := []dlq.Event{dlq.NewEvent("s", "t", map[string]int64{"a": 1}, nil)}
	done := openLog(t, dir)

	_, err := replay(context.Background(), failingMerger{}, events, "", true, done, slog.Default())
	require.NoError(t, err)
	require.False(t, done.seen(events[0].ID))
}

package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/dlq"
	"likesync/internal/likesync/persistence"
	"likesync/internal/likesync/script"
)

var errSinkDown = errors.New("sink down")

// recordingSink records batches and can fail on a given call or run a hook first.
type recordingSink struct {
	mu      sync.Mutex
	calls   int
	failAt  int // 1-based call that fails; 0 never, -1 always
	before  func(call int)
	batches []persistence.Batch
	applied map[string]int64
}

func (s *recordingSink) ApplyBatch(ctx context.Context, b persistence.Batch) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	hook := s.before
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt == -1 || s.failAt == call {
		return errSinkDown
	}
	if s.applied == nil {
		s.applied = map[string]int64{}
	}
	s.batches = append(s.batches, b)
	for _, e := range b.Entries {
		s.applied[e.Key] += e.Delta
	}
	return nil
}

func (s *recordingSink) count(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[key]
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type env struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	buf    *buffer.Buffer
	queue  *dlq.ChannelPublisher
	dead   *dlq.Escalator
}

func newEnv(t *testing.T) env {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	reg := script.NewRegistry(rc, nil, nil)
	require.NoError(t, reg.Warmup(context.Background()))
	queue := dlq.NewChannelPublisher(8)
	return env{
		mr:     mr,
		client: rc,
		buf:    buffer.New(rc, reg, nil, buffer.Options{}, nil),
		queue:  queue,
		dead:   dlq.NewEscalator(queue, "", nil, nil, nil),
	}
}

func (e env) service(sink persistence.Sink, chunkSize int) *SyncService {
	return NewSyncService(e.buf, NewBatchSyncExecutor(sink, chunkSize, nil, nil), e.dead, nil, nil)
}

func (e env) drainDLQ() []dlq.Message {
	e.queue.Close()
	var out []dlq.Message
	e.queue.Consume(context.Background(), func(m dlq.Message) { out = append(out, m) })
	return out
}

func (e env) snapshotKeys() []string {
	var out []string
	for _, k := range e.mr.Keys() {
		if strings.HasPrefix(k, buffer.DefaultSourceKey+":sync:") {
			out = append(out, k)
		}
	}
	return out
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer is the Redis-side aggregation buffer for like deltas.
//
// Increments are merged server-side into one hash (the source key). A flush
// moves that hash to a uniquely named snapshot key in one atomic step, so
// increments that arrive during the flush land in a fresh source hash and are
// never mixed with the snapshot being written. The snapshot is later either
// deleted (commit) or merged back into the source (restore).
//
// Key layout (the hash tag keeps every key on one cluster slot):
//
//	{buffer:likes}             live hash, member -> delta
//	{buffer:likes}:total       pending total of all unflushed deltas
//	{buffer:likes}:sync:<uuid> snapshot owned by one flush attempt
package buffer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"likesync/internal/likesync/script"
	"likesync/internal/likesync/telemetry"
)

// DefaultSourceKey is the live buffer hash.
const DefaultSourceKey = "{buffer:likes}"

// DefaultSnapshotTTL bounds how long an abandoned snapshot can live.
const DefaultSnapshotTTL = time.Hour

// ErrEmptyMember is returned by Increment for an empty member key.
var ErrEmptyMember = errors.New("buffer: member key must not be empty")

// TotalKey returns the pending-total key for a source key.
func TotalKey(source string) string { return source + ":total" }

// SnapshotKey returns a fresh snapshot key for a source key.
func SnapshotKey(source string) string { return source + ":sync:" + uuid.NewString() }

// Options configures a Buffer.
type Options struct {
	SourceKey   string
	SnapshotTTL time.Duration
}

// Buffer owns the live hash, the pending total and the snapshot lifecycle.
type Buffer struct {
	client   redis.UniversalClient
	scripts  *script.Registry
	strategy Strategy
	source   string
	ttl      time.Duration
	metrics  *telemetry.Metrics
}

// New returns a Buffer. A nil strategy selects the Lua transfer.
func New(client redis.UniversalClient, scripts *script.Registry, strategy Strategy, opts Options, metrics *telemetry.Metrics) *Buffer {
	if opts.SourceKey == "" {
		opts.SourceKey = DefaultSourceKey
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if strategy == nil {
		strategy = NewLuaStrategy(scripts)
	}
	return &Buffer{
		client:   client,
		scripts:  scripts,
		strategy: strategy,
		source:   opts.SourceKey,
		ttl:      opts.SnapshotTTL,
		metrics:  metrics,
	}
}

// SourceKey returns the live hash key.
func (b *Buffer) SourceKey() string { return b.source }

// Increment adds delta to member and to the pending total in one MULTI/EXEC.
// Zero deltas are ignored.
func (b *Buffer) Increment(ctx context.Context, member string, delta int64) error {
	if member == "" {
		return ErrEmptyMember
	}
	if delta == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, b.source, member, delta)
		p.IncrBy(ctx, TotalKey(b.source), delta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("buffer increment %s: %w", member, err)
	}
	return nil
}

// Pending reads the live hash.
func (b *Buffer) Pending(ctx context.Context) (map[string]int64, error) {
	raw, err := b.client.HGetAll(ctx, b.source).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer pending: %w", err)
	}
	entries, malformed := parseMap(raw)
	b.metrics.ParseFailures(malformed)
	return entries, nil
}

// PendingTotal reads the pending-total counter; a missing counter is zero.
// The counter is advisory: a commit whose delete-and-decrement fails leaves it
// high by the snapshot sum (see like_sync_commit_cleanup_failures_total).
func (b *Buffer) PendingTotal(ctx context.Context) (int64, error) {
	s, err := b.client.Get(ctx, TotalKey(b.source)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("buffer pending total: %w", err)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("buffer pending total %q: %w", s, err)
	}
	return n, nil
}

// Snapshot atomically moves the live hash to a new snapshot key and returns its content.
// An empty buffer yields an empty result and creates no snapshot key.
func (b *Buffer) Snapshot(ctx context.Context) (FetchResult, error) {
	temp := SnapshotKey(b.source)
	entries, malformed, err := b.strategy.Transfer(ctx, b.source, temp, b.ttl)
	if err != nil {
		return FetchResult{}, fmt.Errorf("buffer snapshot: %w", err)
	}
	b.metrics.ParseFailures(malformed)
	if len(entries) == 0 {
		return FetchResult{TempKey: temp, Entries: map[string]int64{}}, nil
	}
	return FetchResult{TempKey: temp, Entries: entries}, nil
}

// Commit deletes a persisted snapshot and lowers the pending total by its sum.
// It reports whether the snapshot still existed.
func (b *Buffer) Commit(ctx context.Context, res FetchResult) (bool, error) {
	out, err := b.scripts.Run(ctx, script.DeleteAndDecrement,
		[]string{res.TempKey, TotalKey(b.source)}, res.Total())
	if err != nil {
		return false, err
	}
	n, _ := out.(int64)
	return n == 1, nil
}

// Restore merges a snapshot back into the live hash and deletes it. Members in
// persisted already reached the sink: they are dropped from the snapshot and
// their deltas leave the pending total. It returns how many members were
// restored; zero means the snapshot was gone.
func (b *Buffer) Restore(ctx context.Context, tempKey string, persisted ...string) (int64, error) {
	args := make([]interface{}, len(persisted))
	for i, m := range persisted {
		args[i] = m
	}
	out, err := b.scripts.Run(ctx, script.Restore, []string{tempKey, b.source, TotalKey(b.source)}, args...)
	if err != nil {
		return 0, err
	}
	n, _ := out.(int64)
	return n, nil
}

// Merge re-increments entries into the live hash and pending total.
// It is the manual recovery path for dead-lettered snapshots.
func (b *Buffer) Merge(ctx context.Context, entries map[string]int64) error {
	if len(entries) == 0 {
		return nil
	}
	var total int64
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for member, delta := range entries {
			if member == "" || delta == 0 {
				continue
			}
			p.HIncrBy(ctx, b.source, member, delta)
			total += delta
		}
		if total != 0 {
			p.IncrBy(ctx, TotalKey(b.source), total)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("buffer merge: %w", err)
	}
	return nil
}

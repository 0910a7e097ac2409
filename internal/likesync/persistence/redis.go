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

package persistence

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisEvaler abstracts the minimal surface we need from a Redis client.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient all satisfy it.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisSink applies a batch to a durable Redis hash with one Lua call:
// 1) SETNX the batch marker
// 2) If set -> HINCRBY counter:likes <member> <delta> for every entry
// 3) EXPIRE the marker (TTL) for leak protection
// If SETNX fails (already applied), the batch is a no-op.
//
// Intended for deployments whose system of record is a persistent Redis
// (AOF on) separate from the volatile buffer instance.
type RedisSink struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewRedisSink returns a sink with the given client and marker TTL.
// markerTTL guards against unbounded growth of batch markers; choose a duration
// comfortably larger than your maximum retry window.
func NewRedisSink(client RedisEvaler, markerTTL time.Duration) *RedisSink {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisSink{client: client, markerTTL: markerTTL}
}

// redisBatchScript returns 1 if applied, 0 if the batch was already applied.
// ARGV = ttlSeconds, member1, delta1, member2, delta2, ...
const redisBatchScript = `
local counterKey = KEYS[1]
local markerKey = KEYS[2]
local ttlSeconds = tonumber(ARGV[1])
if redis.call('SETNX', markerKey, 1) == 0 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HINCRBY', counterKey, ARGV[i], ARGV[i + 1])
end
if ttlSeconds and ttlSeconds > 0 then
  redis.call('EXPIRE', markerKey, ttlSeconds)
end
return 1
`

// RedisCounterKey is the durable hash of like counts.
const RedisCounterKey = "{counter:likes}"

// RedisBatchMarkerKey returns the idempotency marker of a batch.
func RedisBatchMarkerKey(batchID string) string {
	return fmt.Sprintf("{counter:likes}:batch:%s", batchID)
}

// ApplyBatch applies all entries in a single EVAL.
func (r *RedisSink) ApplyBatch(ctx context.Context, batch Batch) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	if batch.ID == "" {
		return ErrMissingBatchID
	}
	keys := []string{RedisCounterKey, RedisBatchMarkerKey(batch.ID)}
	args := make([]interface{}, 0, 1+2*len(batch.Entries))
	args = append(args, int64(r.markerTTL/time.Second))
	for _, e := range batch.Entries {
		args = append(args, e.Key, e.Delta)
	}
	if err := r.client.Eval(ctx, redisBatchScript, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis eval batch=%s rows=%d: %w", batch.ID, len(batch.Entries), err)
	}
	return nil
}

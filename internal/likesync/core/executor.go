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

package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/persistence"
	"likesync/internal/likesync/telemetry"
)

// DefaultChunkSize is the number of members written per sink call.
const DefaultChunkSize = 500

// ChunkError reports the chunk that stopped a flush.
type ChunkError struct {
	Index   int
	BatchID string
	Rows    int
	Err     error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (batch %s, %d rows): %v", e.Index, e.BatchID, e.Rows, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// FlushOutcome summarises one Flush call.
type FlushOutcome struct {
	Chunks           int
	CommittedChunks  int
	CommittedEntries int
	CommittedDelta   int64
	Persisted        []string // members of committed chunks, in write order
	Err              error
}

// Succeeded reports whether every chunk was written.
func (o FlushOutcome) Succeeded() bool { return o.Err == nil }

// BatchSyncExecutor writes a snapshot to the sink in fixed-size chunks.
//
// Entries are sorted by member and written sequentially, one transaction per
// chunk. The first failing chunk stops the flush; chunks before it stay
// committed and are reported in FlushOutcome.Persisted so the caller restores
// only the rest.
type BatchSyncExecutor struct {
	sink      persistence.Sink
	chunkSize int
	metrics   *telemetry.Metrics
	log       *slog.Logger
}

// NewBatchSyncExecutor returns an executor. chunkSize <= 0 uses DefaultChunkSize.
func NewBatchSyncExecutor(sink persistence.Sink, chunkSize int, metrics *telemetry.Metrics, log *slog.Logger) *BatchSyncExecutor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &BatchSyncExecutor{sink: sink, chunkSize: chunkSize, metrics: metrics, log: log}
}

// Flush writes every entry of res. Sink errors are never swallowed: they end up
// in the outcome's Err wrapped in a *ChunkError.
func (e *BatchSyncExecutor) Flush(ctx context.Context, res buffer.FetchResult) FlushOutcome {
	entries := res.Sorted()
	out := FlushOutcome{Chunks: (len(entries) + e.chunkSize - 1) / e.chunkSize}

	for i, start := 0, 0; start < len(entries); i, start = i+1, start+e.chunkSize {
		end := start + e.chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := persistence.Batch{ID: uuid.NewString(), Entries: make([]persistence.Entry, 0, end-start)}
		for _, en := range entries[start:end] {
			batch.Entries = append(batch.Entries, persistence.Entry{Key: en.Member, Delta: en.Delta})
		}

		if err := e.sink.ApplyBatch(ctx, batch); err != nil {
			e.metrics.Chunk(telemetry.ChunkFailed, 0)
			e.log.Error("[Executor] chunk write failed, stopping flush",
				"temp_key", res.TempKey, "chunk", i, "of", out.Chunks, "rows", len(batch.Entries), "error", err)
			out.Err = &ChunkError{Index: i, BatchID: batch.ID, Rows: len(batch.Entries), Err: err}
			return out
		}
		e.metrics.Chunk(telemetry.ChunkProcessed, len(batch.Entries))
		out.CommittedChunks++
		out.CommittedEntries += len(batch.Entries)
		out.CommittedDelta += batch.Total()
		for _, en := range batch.Entries {
			out.Persisted = append(out.Persisted, en.Key)
		}
	}
	return out
}

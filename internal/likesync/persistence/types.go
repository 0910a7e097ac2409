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

// Package persistence provides the durable sinks that flushed like deltas are written to.
//
// A sink receives one chunk of a snapshot at a time as a Batch. Each ApplyBatch call
// must be all-or-nothing: either every entry of the batch is applied or none is.
// Deltas are additive (stored = stored + delta), so the same member may appear in
// many batches over time.
//
// Batches carry an ID. Adapters record it so that retrying the exact same batch is a
// no-op. A snapshot that is restored and flushed again later produces new batch IDs.
package persistence

import (
	"context"
	"errors"
)

// Entry is one member's delta inside a batch.
//
// Fields:
//   - Key: target identifier whose like count changes
//   - Delta: signed amount to add to the stored count
type Entry struct {
	Key   string
	Delta int64
}

// Batch is the unit of one durable write.
type Batch struct {
	ID      string
	Entries []Entry
}

// Total sums the batch deltas.
func (b Batch) Total() int64 {
	var sum int64
	for _, e := range b.Entries {
		sum += e.Delta
	}
	return sum
}

// ErrMissingBatchID is returned when a non-empty batch has no ID.
var ErrMissingBatchID = errors.New("persistence: Batch.ID must be set")

// Sink applies batches to durable storage. Implementations must make each call
// atomic and must surface every failure to the caller.
type Sink interface {
	ApplyBatch(ctx context.Context, batch Batch) error
}

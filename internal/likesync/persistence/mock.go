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
	"log/slog"
	"sync"
)

// LoggingSink logs every batch and keeps running totals. It stores nothing durably
// and is meant for local runs without a database.
type LoggingSink struct {
	log *slog.Logger

	mu      sync.Mutex
	counts  map[string]int64
	batches int64
	rows    int64
}

// NewLoggingSink returns an in-process sink. log may be nil.
func NewLoggingSink(log *slog.Logger) *LoggingSink {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingSink{log: log, counts: make(map[string]int64)}
}

func (s *LoggingSink) ApplyBatch(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch.Entries) == 0 {
		return nil
	}
	s.log.Info("[Sink] persisting batch", "batch_id", batch.ID, "rows", len(batch.Entries), "total", batch.Total())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range batch.Entries {
		s.counts[e.Key] += e.Delta
	}
	s.batches++
	s.rows += int64(len(batch.Entries))
	return nil
}

// Count returns the accumulated count of key.
func (s *LoggingSink) Count(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// LogSummary writes one end-of-process summary record.
func (s *LoggingSink) LogSummary() {
	s.mu.Lock()
	batches, rows, keys := s.batches, s.rows, len(s.counts)
	s.mu.Unlock()
	s.log.Info("[Sink] final persistence summary", "batches", batches, "rows", rows, "distinct_keys", keys)
}

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

// Package core orchestrates the like flush: snapshot the Redis buffer, write it
// to the durable sink in chunks, then commit or compensate.
//
// The no-loss rule: every delta is at all times in exactly one of the live
// buffer, a snapshot key, the durable store, or a dead-letter record.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"likesync/internal/likesync/telemetry"
)

// Cycle outcomes.
const (
	OutcomeEmpty        = "empty"
	OutcomeCommitted    = "committed"
	OutcomeCompensated  = CompensationRestored
	OutcomeDeadLettered = CompensationDeadLettered
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
)

// CycleReport describes one flush cycle.
type CycleReport struct {
	TempKey  string        `json:"temp_key,omitempty"`
	Entries  int           `json:"entries"`
	Total    int64         `json:"total"`
	Chunks   int           `json:"chunks"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration_ns"`
}

// ErrFlushAborted is the compensation cause when a cycle exits without deciding.
var ErrFlushAborted = errors.New("flush aborted before commit")

// SyncService runs single flush cycles. It does no locking of its own; run it
// through a Coordinator.
type SyncService struct {
	store    SnapshotStore
	executor *BatchSyncExecutor
	dead     DeadLetterer
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

// NewSyncService wires a cycle runner. dead may be nil (log-only dead letters).
func NewSyncService(store SnapshotStore, executor *BatchSyncExecutor, dead DeadLetterer, metrics *telemetry.Metrics, log *slog.Logger) *SyncService {
	if log == nil {
		log = slog.Default()
	}
	return &SyncService{store: store, executor: executor, dead: dead, metrics: metrics, log: log}
}

// RunCycle snapshots the buffer and persists it. A failed flush restores the
// unwritten part of the snapshot into the live buffer and returns the flush error.
func (s *SyncService) RunCycle(ctx context.Context) (rep CycleReport, err error) {
	s.metrics.SyncAttempt()
	start := time.Now()

	res, err := s.store.Snapshot(ctx)
	if err != nil {
		s.log.Error("[Sync] snapshot failed", "error", err)
		return CycleReport{Outcome: OutcomeFailed}, err
	}
	if res.IsEmpty() {
		s.metrics.SyncEmpty()
		s.log.Debug("[Sync] buffer empty, nothing to flush")
		return CycleReport{Outcome: OutcomeEmpty}, nil
	}

	rep = CycleReport{TempKey: res.TempKey, Entries: res.Size(), Total: res.Total()}
	comp := NewCompensation(s.store, s.dead, s.metrics, s.log)
	comp.Save(res)
	defer func() {
		// Reached with a pending saga only on panic.
		if comp.IsPending() {
			comp.Compensate(context.WithoutCancel(ctx), ErrFlushAborted)
		}
		rep.Duration = time.Since(start)
		s.metrics.FlushDuration(rep.Duration)
	}()

	out := s.executor.Flush(ctx, res)
	rep.Chunks = out.Chunks
	if out.Succeeded() {
		if err := comp.Commit(ctx); err != nil {
			return rep, err
		}
		s.metrics.SyncSucceeded()
		rep.Outcome = OutcomeCommitted
		s.log.Info("[Sync] flush committed",
			"temp_key", res.TempKey, "entries", rep.Entries, "total", rep.Total, "chunks", out.Chunks)
		return rep, nil
	}

	// Compensation must run even if the caller's context is already done.
	// Chunks already written stay written; only the rest goes back.
	rep.Outcome = comp.CompensateRemaining(context.WithoutCancel(ctx), out.Err, out.Persisted)
	return rep, fmt.Errorf("flush %s (%d/%d chunks committed): %w",
		res.TempKey, out.CommittedChunks, out.Chunks, out.Err)
}

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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/dlq"
	"likesync/internal/likesync/telemetry"
)

// SnapshotStore is the part of the buffer a flush cycle drives.
// *buffer.Buffer implements it.
type SnapshotStore interface {
	SourceKey() string
	Snapshot(ctx context.Context) (buffer.FetchResult, error)
	Commit(ctx context.Context, res buffer.FetchResult) (bool, error)
	Restore(ctx context.Context, tempKey string, persisted ...string) (int64, error)
}

// DeadLetterer takes snapshots that could not be restored. *dlq.Escalator implements it.
type DeadLetterer interface {
	Escalate(ctx context.Context, ev dlq.Event) string
}

// ErrSnapshotMissing means a restore found no snapshot to merge back.
var ErrSnapshotMissing = errors.New("snapshot key missing")

// ErrAlreadyCompensated is returned by Commit after Compensate won.
var ErrAlreadyCompensated = errors.New("snapshot already compensated")

// Compensation results.
const (
	CompensationSkipped      = "skipped"
	CompensationRestored     = "compensated"
	CompensationDeadLettered = "dead_lettered"
)

const (
	statePending int32 = iota
	stateCommitted
	stateCompensated
)

// Compensation is the saga around one snapshot. Exactly one of Commit and
// Compensate takes effect; the other becomes a no-op. Both are idempotent.
type Compensation struct {
	store   SnapshotStore
	dead    DeadLetterer
	metrics *telemetry.Metrics
	log     *slog.Logger

	saved atomic.Pointer[buffer.FetchResult]
	state atomic.Int32
}

// NewCompensation returns a saga with nothing saved.
func NewCompensation(store SnapshotStore, dead DeadLetterer, metrics *telemetry.Metrics, log *slog.Logger) *Compensation {
	if log == nil {
		log = slog.Default()
	}
	if dead == nil {
		dead = dlq.NewEscalator(nil, "", nil, metrics, log)
	}
	return &Compensation{store: store, dead: dead, metrics: metrics, log: log}
}

// Save records the snapshot to protect. Empty results are ignored.
func (c *Compensation) Save(res buffer.FetchResult) {
	if res.IsEmpty() {
		return
	}
	c.saved.Store(&res)
}

// Saved returns the protected snapshot, if any.
func (c *Compensation) Saved() (buffer.FetchResult, bool) {
	p := c.saved.Load()
	if p == nil {
		return buffer.FetchResult{}, false
	}
	return *p, true
}

// IsPending reports a saved snapshot that was neither committed nor compensated.
func (c *Compensation) IsPending() bool {
	return c.saved.Load() != nil && c.state.Load() == statePending
}

// Committed reports whether Commit took effect.
func (c *Compensation) Committed() bool { return c.state.Load() == stateCommitted }

// Commit marks the snapshot durable and deletes it. A failed delete is only
// logged: the snapshot TTL removes it later and the data is already persisted.
func (c *Compensation) Commit(ctx context.Context) error {
	res, ok := c.Saved()
	if !ok {
		return nil
	}
	if !c.state.CompareAndSwap(statePending, stateCommitted) {
		if c.state.Load() == stateCompensated {
			return ErrAlreadyCompensated
		}
		return nil
	}
	existed, err := c.store.Commit(ctx, res)
	if err != nil {
		c.metrics.CommitCleanupFailed()
		c.log.Warn("[Compensation] snapshot delete failed, leaving it to expire",
			"temp_key", res.TempKey, "pending_total_drift", res.Total(), "error", err)
		return nil
	}
	if !existed {
		c.log.Warn("[Compensation] snapshot already gone at commit", "temp_key", res.TempKey)
	}
	return nil
}

// Compensate merges the snapshot back into the live buffer. When that fails the
// snapshot is handed to the dead-letter chain. It returns what happened.
func (c *Compensation) Compensate(ctx context.Context, cause error) string {
	return c.CompensateRemaining(ctx, cause, nil)
}

// CompensateRemaining is Compensate for a partially written snapshot: members in
// persisted already reached the sink and are neither restored nor dead-lettered.
func (c *Compensation) CompensateRemaining(ctx context.Context, cause error, persisted []string) string {
	res, ok := c.Saved()
	if !ok {
		return CompensationSkipped
	}
	if !c.state.CompareAndSwap(statePending, stateCompensated) {
		return CompensationSkipped
	}

	remaining := res.Entries
	if len(persisted) > 0 {
		remaining = make(map[string]int64, len(res.Entries))
		for m, d := range res.Entries {
			remaining[m] = d
		}
		for _, m := range persisted {
			delete(remaining, m)
		}
	}

	n, err := c.store.Restore(ctx, res.TempKey, persisted...)
	if err == nil && n == 0 && hasDeltas(remaining) {
		err = ErrSnapshotMissing
	}
	if err == nil {
		c.metrics.Compensation("restored")
		c.log.Warn("[Compensation] snapshot restored to buffer",
			"temp_key", res.TempKey, "members", n, "already_persisted", len(persisted), "cause", cause)
		return CompensationRestored
	}

	c.metrics.Compensation("failed")
	c.log.Error("[Compensation] restore failed, dead-lettering snapshot",
		"temp_key", res.TempKey, "members", len(remaining), "error", err, "cause", cause)
	reason := fmt.Errorf("restore failed: %w", err)
	if cause != nil {
		reason = fmt.Errorf("flush failed: %v; restore failed: %w", cause, err)
	}
	ev := dlq.NewEvent(c.store.SourceKey(), res.TempKey, remaining, reason)
	c.dead.Escalate(ctx, ev)
	return CompensationDeadLettered
}

// hasDeltas reports whether any entry carries a non-zero delta. Malformed
// buffer values read as zero and the restore script skips them.
func hasDeltas(entries map[string]int64) bool {
	for _, d := range entries {
		if d != 0 {
			return true
		}
	}
	return false
}

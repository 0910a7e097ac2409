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

// Package dlq carries snapshots that could neither be persisted nor restored.
//
// Escalation order: publish to the dead-letter channel (with bounded retry),
// else append to a local JSONL file, else log the entries at error level.
// Dead-lettered data is never re-ingested automatically; an operator replays it.
package dlq

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one dead-lettered snapshot.
type Event struct {
	ID         string           `json:"id"`
	SourceKey  string           `json:"source_key"`
	TempKey    string           `json:"temp_key"`
	Entries    map[string]int64 `json:"entries"`
	Cause      string           `json:"cause"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Total sums the event's deltas.
func (e Event) Total() int64 {
	var sum int64
	for _, d := range e.Entries {
		sum += d
	}
	return sum
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewEvent builds an event with a fresh ULID. entries is copied.
func NewEvent(sourceKey, tempKey string, entries map[string]int64, cause error) Event {
	now := time.Now().UTC()
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), entropy).String()
	entropyMu.Unlock()

	cp := make(map[string]int64, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return Event{ID: id, SourceKey: sourceKey, TempKey: tempKey, Entries: cp, Cause: msg, OccurredAt: now}
}

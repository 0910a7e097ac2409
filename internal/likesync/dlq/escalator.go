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

package dlq

import (
	"context"
	"log/slog"

	"likesync/internal/likesync/telemetry"
)

// Stage names where an escalated event ended up.
const (
	StagePublished = "published"
	StageFile      = "file"
	StageLog       = "log"
)

// Escalator runs the dead-letter chain: publisher, then file, then log.
// Escalate never panics and never returns an error; the returned stage says
// how far the event had to go.
type Escalator struct {
	publisher Publisher
	topic     string
	fallback  *FileFallback
	metrics   *telemetry.Metrics
	log       *slog.Logger
}

// NewEscalator wires the chain. publisher and fallback may be nil to skip a stage.
func NewEscalator(publisher Publisher, topic string, fallback *FileFallback, metrics *telemetry.Metrics, log *slog.Logger) *Escalator {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.Default()
	}
	return &Escalator{publisher: publisher, topic: topic, fallback: fallback, metrics: metrics, log: log}
}

func (e *Escalator) Escalate(ctx context.Context, ev Event) string {
	if e.publisher != nil {
		err := e.publisher.Publish(ctx, e.topic, ev)
		if err == nil {
			e.log.Error("[DLQ] snapshot dead-lettered",
				"topic", e.topic, "event_id", ev.ID, "temp_key", ev.TempKey,
				"members", len(ev.Entries), "total", ev.Total(), "cause", ev.Cause)
			e.metrics.DeadLetter(StagePublished)
			return StagePublished
		}
		e.log.Error("[DLQ] publish failed, writing local fallback", "event_id", ev.ID, "error", err)
	}

	if e.fallback != nil {
		err := e.fallback.Write(ev)
		if err == nil {
			e.log.Error("[DLQ] snapshot written to fallback file",
				"path", e.fallback.Path(), "event_id", ev.ID, "temp_key", ev.TempKey,
				"entries", ev.Entries, "cause", ev.Cause)
			e.metrics.DeadLetter(StageFile)
			return StageFile
		}
		e.log.Error("[DLQ] fallback file write failed", "path", e.fallback.Path(), "event_id", ev.ID, "error", err)
	}

	// Last resort: the log record is the only copy of the entries.
	e.log.Error("[DLQ] snapshot lost to durable stores, entries follow",
		"severity", "critical", "event_id", ev.ID, "source_key", ev.SourceKey, "temp_key", ev.TempKey,
		"entries", ev.Entries, "cause", ev.Cause, "occurred_at", ev.OccurredAt)
	e.metrics.FallbackFailed()
	return StageLog
}

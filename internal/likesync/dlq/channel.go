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
	"errors"
	"log/slog"
)

// ErrQueueFull is returned when the in-process dead-letter queue has no room.
var ErrQueueFull = errors.New("dlq: queue full")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("dlq: queue closed")

// Message is an event together with the topic it was published to.
type Message struct {
	Topic string
	Event Event
}

// ChannelPublisher is a bounded in-process dead-letter queue. Publish never blocks:
// a full queue is reported as ErrQueueFull so the caller can escalate.
type ChannelPublisher struct {
	ch   chan Message
	done chan struct{}
}

// NewChannelPublisher returns a queue holding up to size events (minimum 1).
func NewChannelPublisher(size int) *ChannelPublisher {
	if size <= 0 {
		size = 1
	}
	return &ChannelPublisher{ch: make(chan Message, size), done: make(chan struct{})}
}

func (c *ChannelPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrQueueClosed
	default:
	}
	select {
	case c.ch <- Message{Topic: topic, Event: ev}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports queued events.
func (c *ChannelPublisher) Len() int { return len(c.ch) }

// Close stops accepting events. Queued events remain readable by Consume.
func (c *ChannelPublisher) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Consume hands queued events to handle until ctx is cancelled or the publisher is
// closed, then drains whatever is still queued.
func (c *ChannelPublisher) Consume(ctx context.Context, handle func(Message)) {
	for {
		select {
		case m := <-c.ch:
			handle(m)
		case <-ctx.Done():
			c.drain(handle)
			return
		case <-c.done:
			c.drain(handle)
			return
		}
	}
}

func (c *ChannelPublisher) drain(handle func(Message)) {
	for {
		select {
		case m := <-c.ch:
			handle(m)
		default:
			return
		}
	}
}

// FileArchiver returns a Consume handler that persists each event to fallback and
// logs it. It is the out-of-band consumer for the in-process queue.
func FileArchiver(fallback *FileFallback, log *slog.Logger) func(Message) {
	if log == nil {
		log = slog.Default()
	}
	return func(m Message) {
		if err := fallback.Write(m.Event); err != nil {
			log.Error("[DLQ] archive failed, entries only in this log",
				"severity", "critical", "event_id", m.Event.ID, "temp_key", m.Event.TempKey,
				"entries", m.Event.Entries, "error", err)
			return
		}
		log.Error("[DLQ] snapshot archived for manual replay",
			"topic", m.Topic, "event_id", m.Event.ID, "temp_key", m.Event.TempKey,
			"members", len(m.Event.Entries), "total", m.Event.Total(), "cause", m.Event.Cause)
	}
}

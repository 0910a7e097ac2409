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
	"fmt"
	"log/slog"
	"time"
)

// DefaultTopic is the dead-letter topic for like snapshots.
const DefaultTopic = "like-sync-dlq"

// Publisher delivers an event to the dead-letter channel. A nil error means the
// channel accepted the event.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// RetryOptions bounds the retry loop of RetryPublisher.
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryPublisher retries a Publisher with exponential backoff.
type RetryPublisher struct {
	next Publisher
	opts RetryOptions
	log  *slog.Logger
}

// NewRetryPublisher wraps next. Zero options default to 3 attempts, 100ms..2s backoff.
func NewRetryPublisher(next Publisher, opts RetryOptions, log *slog.Logger) *RetryPublisher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 2 * time.Second
		if opts.MaxBackoff < opts.InitialBackoff {
			opts.MaxBackoff = opts.InitialBackoff
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetryPublisher{next: next, opts: opts, log: log}
}

func (p *RetryPublisher) Publish(ctx context.Context, topic string, ev Event) error {
	backoff := p.opts.InitialBackoff
	var err error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err = p.next.Publish(ctx, topic, ev); err == nil {
			return nil
		}
		if attempt == p.opts.MaxAttempts {
			break
		}
		p.log.Warn("[DLQ] publish failed, retrying", "event_id", ev.ID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("dlq publish %s: %w (last error: %v)", ev.ID, ctx.Err(), err)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.opts.MaxBackoff {
			backoff = p.opts.MaxBackoff
		}
	}
	return fmt.Errorf("dlq publish %s after %d attempts: %w", ev.ID, p.opts.MaxAttempts, err)
}

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

// Package idempotency keeps externally triggered jobs from running twice.
//
// A request id is claimed with SET NX (PROCESSING), marked COMPLETED on success
// or released on failure so a retry can claim it again. Every Redis error makes
// TryAcquire answer false: a job is skipped rather than risked twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"likesync/internal/likesync/telemetry"
)

// Stored states.
const (
	StateProcessing = "PROCESSING"
	StateCompleted  = "COMPLETED"
)

// Status of a request id as seen by Status.
type Status string

const (
	StatusUnknown    Status = "UNKNOWN"
	StatusProcessing Status = StateProcessing
	StatusCompleted  Status = StateCompleted
)

// ErrDuplicate is returned by callers that refuse a request id already claimed.
var ErrDuplicate = errors.New("idempotency: duplicate request")

// DefaultTTL is how long a claim or completion marker lives.
const DefaultTTL = 24 * time.Hour

// Key returns the marker key of a request.
func Key(namespace, requestID string) string {
	return fmt.Sprintf("{idempotency}:job:%s:%s", namespace, requestID)
}

// Guard claims and completes request ids in Redis.
type Guard struct {
	client  redis.UniversalClient
	ttl     time.Duration
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewGuard returns a guard whose markers expire after ttl (DefaultTTL if <= 0).
func NewGuard(client redis.UniversalClient, ttl time.Duration, metrics *telemetry.Metrics, log *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{client: client, ttl: ttl, metrics: metrics, log: log}
}

// TryAcquire claims requestID. It returns false if the id is already claimed or
// completed, and also on any error.
func (g *Guard) TryAcquire(ctx context.Context, namespace, requestID string) bool {
	ok, err := g.client.SetNX(ctx, Key(namespace, requestID), StateProcessing, g.ttl).Result()
	if err != nil {
		g.log.Warn("[Idempotency] claim failed, skipping job", "namespace", namespace, "request_id", requestID, "error", err)
		g.metrics.Idempotency("error")
		return false
	}
	if !ok {
		g.log.Info("[Idempotency] duplicate request skipped", "namespace", namespace, "request_id", requestID)
		g.metrics.Idempotency("duplicate")
		return false
	}
	g.metrics.Idempotency("acquired")
	return true
}

// MarkCompleted overwrites the claim with COMPLETED and refreshes its TTL.
func (g *Guard) MarkCompleted(ctx context.Context, namespace, requestID string) error {
	if err := g.client.Set(ctx, Key(namespace, requestID), StateCompleted, g.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency complete %s/%s: %w", namespace, requestID, err)
	}
	g.metrics.Idempotency("completed")
	return nil
}

// Release drops the claim so the request can be retried.
func (g *Guard) Release(ctx context.Context, namespace, requestID string) error {
	if err := g.client.Del(ctx, Key(namespace, requestID)).Err(); err != nil {
		return fmt.Errorf("idempotency release %s/%s: %w", namespace, requestID, err)
	}
	g.metrics.Idempotency("released")
	return nil
}

// Status reads the marker of requestID.
func (g *Guard) Status(ctx context.Context, namespace, requestID string) (Status, error) {
	v, err := g.client.Get(ctx, Key(namespace, requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("idempotency status %s/%s: %w", namespace, requestID, err)
	}
	switch v {
	case StateProcessing:
		return StatusProcessing, nil
	case StateCompleted:
		return StatusCompleted, nil
	default:
		return StatusUnknown, nil
	}
}

// IsCompleted reports whether requestID finished. Errors read as false.
func (g *Guard) IsCompleted(ctx context.Context, namespace, requestID string) bool {
	s, err := g.Status(ctx, namespace, requestID)
	return err == nil && s == StatusCompleted
}

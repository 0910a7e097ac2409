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
	"log/slog"

	"likesync/internal/likesync/idempotency"
)

// DefaultJobNamespace scopes idempotency keys of externally triggered flushes.
const DefaultJobNamespace = "like-sync"

// ErrMissingRequestID is returned when a trigger carries no request id.
var ErrMissingRequestID = errors.New("request id is required")

// Claims is the idempotency surface a Trigger needs. *idempotency.Guard implements it.
type Claims interface {
	TryAcquire(ctx context.Context, namespace, requestID string) bool
	MarkCompleted(ctx context.Context, namespace, requestID string) error
	Release(ctx context.Context, namespace, requestID string) error
}

// Trigger runs externally requested flushes at most once per request id.
type Trigger struct {
	claims    Claims
	flusher   Flusher
	namespace string
	log       *slog.Logger
}

func NewTrigger(claims Claims, flusher Flusher, namespace string, log *slog.Logger) *Trigger {
	if namespace == "" {
		namespace = DefaultJobNamespace
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trigger{claims: claims, flusher: flusher, namespace: namespace, log: log}
}

// Run claims requestID and flushes. A failed or skipped flush releases the claim
// so the same id can be retried; a finished flush marks it completed.
func (t *Trigger) Run(ctx context.Context, requestID string) (CycleReport, error) {
	if requestID == "" {
		return CycleReport{}, ErrMissingRequestID
	}
	if !t.claims.TryAcquire(ctx, t.namespace, requestID) {
		return CycleReport{Outcome: OutcomeSkipped}, idempotency.ErrDuplicate
	}

	rep, err := t.flusher.Flush(ctx)
	if err != nil {
		if rerr := t.claims.Release(context.WithoutCancel(ctx), t.namespace, requestID); rerr != nil {
			t.log.Warn("[Trigger] claim release failed, request id blocked until TTL", "request_id", requestID, "error", rerr)
		}
		return rep, err
	}
	if err := t.claims.MarkCompleted(context.WithoutCancel(ctx), t.namespace, requestID); err != nil {
		t.log.Warn("[Trigger] completion marker not written", "request_id", requestID, "error", err)
	}
	return rep, nil
}

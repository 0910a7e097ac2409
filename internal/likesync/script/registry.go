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

// Package script runs the buffer's server-side Lua procedures by cached SHA.
//
// Scripts are loaded once (Warmup) and invoked with EVALSHA. When the server
// replies NOSCRIPT (restart, failover, SCRIPT FLUSH) the registry reloads the
// source, swaps the cached SHA and retries exactly once. Every other failure is
// reported as an *ExecutionError naming the script.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	"likesync/internal/likesync/telemetry"
)

// ExecutionError wraps a failed script invocation.
type ExecutionError struct {
	Script string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("redis script %s: %v", e.Script, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrUnknownScript is returned for names the registry was not built with.
var ErrUnknownScript = errors.New("unknown script")

type handle struct {
	name   string
	source string
	sha    atomic.Pointer[string]
}

// Registry holds one handle per known script.
type Registry struct {
	client  redis.Scripter
	handles map[string]*handle
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewRegistry builds a registry for the transfer, delete-and-decrement and restore scripts.
// metrics and log may be nil.
func NewRegistry(client redis.Scripter, metrics *telemetry.Metrics, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{client: client, handles: make(map[string]*handle, len(sources)), metrics: metrics, log: log}
	for name, src := range sources {
		r.handles[name] = &handle{name: name, source: src}
	}
	return r
}

// Warmup loads every script and caches its SHA. A failure is logged and returned,
// but the registry stays usable: handles without a SHA load lazily on first use.
func (r *Registry) Warmup(ctx context.Context) error {
	var errs []error
	for _, h := range r.handles {
		if _, err := r.load(ctx, h); err != nil {
			r.log.Warn("[Script] warm-up load failed, will load lazily", "script", h.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SHA returns the cached digest for name, or "" when not loaded yet.
func (r *Registry) SHA(name string) string {
	h, ok := r.handles[name]
	if !ok {
		return ""
	}
	if p := h.sha.Load(); p != nil {
		return *p
	}
	return ""
}

// Run executes the named script with EVALSHA. A NOSCRIPT reply triggers one reload
// and retry. A Lua nil reply is returned as (nil, nil).
func (r *Registry) Run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	h, ok := r.handles[name]
	if !ok {
		return nil, &ExecutionError{Script: name, Err: ErrUnknownScript}
	}
	sha := r.SHA(name)
	if sha == "" {
		var err error
		if sha, err = r.load(ctx, h); err != nil {
			return nil, &ExecutionError{Script: name, Err: err}
		}
	}

	res, err := r.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		r.log.Warn("[Script] NOSCRIPT reply, reloading", "script", name, "sha", sha)
		r.metrics.ScriptReloaded(name)
		if sha, err = r.load(ctx, h); err != nil {
			return nil, &ExecutionError{Script: name, Err: err}
		}
		res, err = r.client.EvalSha(ctx, sha, keys, args...).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &ExecutionError{Script: name, Err: err}
	}
	return res, nil
}

func (r *Registry) load(ctx context.Context, h *handle) (string, error) {
	sha, err := r.client.ScriptLoad(ctx, h.source).Result()
	if err != nil {
		return "", fmt.Errorf("script load %s: %w", h.name, err)
	}
	h.sha.Store(&sha)
	return sha, nil
}

func isNoScript(err error) bool {
	return redis.HasErrorPrefix(err, "NOSCRIPT")
}

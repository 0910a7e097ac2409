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
	"time"

	"golang.org/x/sync/singleflight"

	"likesync/internal/likesync/lock"
	"likesync/internal/likesync/telemetry"
)

// Cycler runs one flush cycle. *SyncService implements it.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// LockOptions bounds the distributed lock.
type LockOptions struct {
	Name  string
	Wait  time.Duration
	Lease time.Duration
}

// Coordinator makes sure at most one flush runs across the fleet. Callers in the
// same process share one in-flight cycle; callers in other processes that
// cannot get the lock skip.
type Coordinator struct {
	locker  lock.Locker
	cycle   Cycler
	opts    LockOptions
	group   singleflight.Group
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewCoordinator fills an empty name with lock.DefaultName and a zero lease with
// 30s. A negative wait becomes 3s; a zero wait tries the lock once.
func NewCoordinator(locker lock.Locker, cycle Cycler, opts LockOptions, metrics *telemetry.Metrics, log *slog.Logger) *Coordinator {
	if opts.Name == "" {
		opts.Name = lock.DefaultName
	}
	if opts.Wait < 0 {
		opts.Wait = 3 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{locker: locker, cycle: cycle, opts: opts, metrics: metrics, log: log}
}

// WithFlushLock runs fn while holding the flush lock and releases it afterwards,
// whatever fn returns. It returns lock.ErrNotAcquired when the wait elapses.
func (c *Coordinator) WithFlushLock(ctx context.Context, fn func(context.Context) error) error {
	lease, err := c.locker.Acquire(ctx, c.opts.Name, c.opts.Wait, c.opts.Lease)
	if errors.Is(err, lock.ErrNotAcquired) {
		c.metrics.Lock("not_acquired")
		c.metrics.SyncSkipped()
		c.log.Info("[Coordinator] flush lock held elsewhere, skipping cycle", "lock", c.opts.Name)
		return err
	}
	if err != nil {
		c.metrics.Lock("error")
		c.log.Warn("[Coordinator] flush lock unavailable, skipping cycle", "lock", c.opts.Name, "error", err)
		return err
	}
	c.metrics.Lock("acquired")
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Warn("[Coordinator] lock release failed, lease will expire", "lock", c.opts.Name, "error", rerr)
		}
	}()
	return fn(ctx)
}

// Flush runs one cycle under the lock. Concurrent calls in this process join the
// cycle already in flight. A skipped cycle reports OutcomeSkipped with
// lock.ErrNotAcquired.
func (c *Coordinator) Flush(ctx context.Context) (CycleReport, error) {
	v, err, _ := c.group.Do(c.opts.Name, func() (interface{}, error) {
		var rep CycleReport
		err := c.WithFlushLock(ctx, func(ctx context.Context) error {
			var err error
			rep, err = c.cycle.RunCycle(ctx)
			return err
		})
		if errors.Is(err, lock.ErrNotAcquired) {
			rep.Outcome = OutcomeSkipped
		}
		return rep, err
	})
	rep, _ := v.(CycleReport)
	return rep, err
}

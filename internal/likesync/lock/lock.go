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

// Package lock provides the fleet-wide mutual exclusion used to run at most one
// flush at a time. Acquisition waits a bounded time; holders get a lease that
// expires on its own if the process dies.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultName is the lock guarding the like flush.
const DefaultName = "like-db-sync-lock"

// ErrNotAcquired means another holder kept the lock for the whole wait window.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out named leases.
type Locker interface {
	// Acquire waits up to wait for name and holds it for at most lease.
	// It returns ErrNotAcquired when the wait elapses.
	Acquire(ctx context.Context, name string, wait, lease time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once and never
// releases a lock that has since been taken by someone else.
type Lease interface {
	Release(ctx context.Context) error
}

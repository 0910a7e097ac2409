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

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker implements Locker with an etcd session mutex. The session lease is
// kept alive while held and expires lease after the holder disappears.
type EtcdLocker struct {
	client *etcd.Client
	prefix string
}

// NewEtcdClient dials endpoints.
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*etcd.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := etcd.New(etcd.Config{Endpoints: endpoints, DialTimeout: dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("etcd dial %v: %w", endpoints, err)
	}
	return c, nil
}

// NewEtcdLocker stores mutexes under /locks/ by default.
func NewEtcdLocker(client *etcd.Client, prefix string) *EtcdLocker {
	if prefix == "" {
		prefix = "/locks/"
	}
	return &EtcdLocker{client: client, prefix: prefix}
}

// leaseSeconds rounds a lease up to whole seconds, minimum one.
func leaseSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (l *EtcdLocker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (Lease, error) {
	session, err := concurrency.NewSession(l.client,
		concurrency.WithTTL(leaseSeconds(lease)),
		concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("lock %s: etcd session: %w", name, err)
	}
	mu := concurrency.NewMutex(session, l.prefix+name)

	if wait <= 0 {
		err = mu.TryLock(ctx)
	} else {
		wctx, cancel := context.WithTimeout(ctx, wait)
		err = mu.Lock(wctx)
		cancel()
	}
	if err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return &etcdLease{session: session, mu: mu}, nil
}

type etcdLease struct {
	session  *concurrency.Session
	mu       *concurrency.Mutex
	released atomic.Bool
}

func (e *etcdLease) Release(ctx context.Context) error {
	if !e.released.CompareAndSwap(false, true) {
		return nil
	}
	err := e.mu.Unlock(ctx)
	if cerr := e.session.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", e.mu.Key(), err)
	}
	return nil
}

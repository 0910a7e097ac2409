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

package buffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"likesync/internal/likesync/script"
)

// Strategy moves the source hash to temp atomically and returns what was moved.
// When source does not exist it returns no entries and must not create temp.
type Strategy interface {
	Transfer(ctx context.Context, source, temp string, ttl time.Duration) (entries map[string]int64, malformed int, err error)
}

// Strategy names accepted by NewStrategy.
const (
	StrategyLua   = "lua"
	StrategyWatch = "watch"
)

// ErrTransferContended is returned when the WATCH strategy keeps losing the race.
var ErrTransferContended = errors.New("buffer: snapshot transfer contended")

// NewStrategy selects a transfer strategy by name.
func NewStrategy(name string, client redis.UniversalClient, scripts *script.Registry) (Strategy, error) {
	switch name {
	case "", StrategyLua:
		return NewLuaStrategy(scripts), nil
	case StrategyWatch:
		return NewWatchStrategy(client, 0), nil
	default:
		return nil, fmt.Errorf("unknown snapshot strategy: %s", name)
	}
}

// LuaStrategy runs the transfer script: EXISTS, RENAME, EXPIRE, HGETALL in one call.
type LuaStrategy struct {
	scripts *script.Registry
}

func NewLuaStrategy(scripts *script.Registry) *LuaStrategy {
	return &LuaStrategy{scripts: scripts}
}

func (s *LuaStrategy) Transfer(ctx context.Context, source, temp string, ttl time.Duration) (map[string]int64, int, error) {
	raw, err := s.scripts.Run(ctx, script.Transfer, []string{source, temp}, ttlSeconds(ttl))
	if err != nil {
		return nil, 0, err
	}
	return parseFlat(raw)
}

// ttlSeconds rounds a positive ttl up to whole seconds so a sub-second TTL
// still expires the snapshot instead of skipping EXPIRE.
func ttlSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// WatchStrategy reads the source under WATCH and renames it in MULTI/EXEC.
// A concurrent write to the source aborts the EXEC and the transfer is retried.
type WatchStrategy struct {
	client     redis.UniversalClient
	maxRetries int
}

// NewWatchStrategy returns a WATCH/MULTI transfer. maxRetries <= 0 defaults to 5.
func NewWatchStrategy(client redis.UniversalClient, maxRetries int) *WatchStrategy {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &WatchStrategy{client: client, maxRetries: maxRetries}
}

func (s *WatchStrategy) Transfer(ctx context.Context, source, temp string, ttl time.Duration) (map[string]int64, int, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var raw map[string]string
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, source).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				raw = nil
				return nil
			}
			if raw, err = tx.HGetAll(ctx, source).Result(); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Rename(ctx, source, temp)
				if ttl > 0 {
					p.Expire(ctx, temp, time.Duration(ttlSeconds(ttl))*time.Second)
				}
				return nil
			})
			return err
		}, source)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("watch transfer: %w", err)
		}
		entries, malformed := parseMap(raw)
		return entries, malformed, nil
	}
	return nil, 0, ErrTransferContended
}

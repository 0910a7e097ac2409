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

package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Options carries the handles a sink adapter may need.
type Options struct {
	DB             *sql.DB
	Redis          RedisEvaler
	RedisMarkerTTL time.Duration
	Logger         *slog.Logger
}

// BuildSink constructs a Sink based on a string selector.
// Supported adapters:
//   - "postgres": like_counts upsert through Options.DB (default)
//   - "redis": durable Redis hash through Options.Redis
//   - "mock": in-process logger, nothing stored
func BuildSink(adapter string, opts Options) (Sink, error) {
	switch adapter {
	case "", "postgres":
		if opts.DB == nil {
			return nil, errors.New("postgres sink requires an open database handle")
		}
		return NewPostgresSink(opts.DB), nil
	case "redis":
		if opts.Redis == nil {
			return nil, errors.New("redis sink requires a redis client")
		}
		return NewRedisSink(opts.Redis, opts.RedisMarkerTTL), nil
	case "mock":
		return NewLoggingSink(opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown sink adapter: %s", adapter)
	}
}

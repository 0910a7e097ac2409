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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"likesync/internal/likesync/config"
	"likesync/internal/likesync/dlq"
	"likesync/internal/likesync/lock"
	"likesync/internal/likesync/migrations"
	"likesync/internal/likesync/telemetry"
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func runMigrations(db *sql.DB, autoMigrate bool, log *slog.Logger) error {
	if err := migrations.Run(db, autoMigrate, log); err != nil {
		return fmt.Errorf("database migrations: %w", err)
	}
	return nil
}

// deadLetter owns the dead-letter chain and whatever runs behind the publisher.
type deadLetter struct {
	escalator *dlq.Escalator
	close     func()
}

func newDeadLetter(cfg *config.Config, metrics *telemetry.Metrics, log *slog.Logger) (*deadLetter, error) {
	fallback, err := dlq.NewFileFallback(cfg.DLQ.FilePath)
	if err != nil {
		return nil, err
	}
	retry := dlq.RetryOptions{
		MaxAttempts:    cfg.DLQ.MaxAttempts,
		InitialBackoff: cfg.DLQ.InitialBackoff,
		MaxBackoff:     cfg.DLQ.MaxBackoff,
	}

	switch cfg.DLQ.Publisher {
	case "kafka":
		producer, err := dlq.NewConfluentProducer(cfg.Kafka.BootstrapServers)
		if err != nil {
			return nil, err
		}
		pub := dlq.NewRetryPublisher(dlq.NewKafkaPublisher(producer), retry, log)
		return &deadLetter{
			escalator: dlq.NewEscalator(pub, cfg.DLQ.Topic, fallback, metrics, log),
			close:     func() { producer.Close(10 * time.Second) },
		}, nil

	case "channel":
		// In-process queue drained by a consumer that archives events to the file.
		queue := dlq.NewChannelPublisher(cfg.DLQ.QueueSize)
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Consume(ctx, dlq.FileArchiver(fallback, log))
		}()
		return &deadLetter{
			escalator: dlq.NewEscalator(queue, cfg.DLQ.Topic, fallback, metrics, log),
			close: func() {
				queue.Close()
				cancel()
				wg.Wait()
			},
		}, nil

	default:
		return &deadLetter{
			escalator: dlq.NewEscalator(nil, cfg.DLQ.Topic, fallback, metrics, log),
			close:     func() {},
		}, nil
	}
}

func newLocker(cfg *config.Config, rc redis.UniversalClient) (lock.Locker, func() error, error) {
	if cfg.Lock.Backend == "etcd" {
		client, err := lock.NewEtcdClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewEtcdLocker(client, ""), client.Close, nil
	}
	return lock.NewRedisLocker(rc, 0), func() error { return nil }, nil
}

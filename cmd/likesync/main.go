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

// Command likesync runs the like flush service.
//
// Likes are counted in a Redis hash. Every sync.interval one instance in the
// fleet (the one holding the flush lock) moves the hash aside, writes it to the
// durable sink in chunks and deletes the moved copy. A failed write puts the
// deltas back into the live hash; if even that fails the snapshot goes to the
// dead-letter chain (publisher, local JSONL file, critical log).
//
// The process also serves the operator API (on-demand flush, pending view,
// health) and Prometheus metrics. On SIGINT/SIGTERM the HTTP servers stop
// first, then the worker runs one last flush before Redis is closed.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"likesync/internal/likesync/api"
	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/config"
	"likesync/internal/likesync/core"
	"likesync/internal/likesync/idempotency"
	"likesync/internal/likesync/persistence"
	"likesync/internal/likesync/script"
	"likesync/internal/likesync/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional; LIKESYNC_* env vars override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("likesync stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("likesync stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	// 1. Redis: the buffer, its scripts, the lock and the idempotency markers.
	rc := newRedisClient(cfg.Redis)
	defer rc.Close()
	if err := rc.Ping(ctx).Err(); err != nil {
		return err
	}
	scripts := script.NewRegistry(rc, metrics, log)
	// A failed warmup is not fatal: scripts load lazily on first use.
	_ = scripts.Warmup(ctx)

	strategy, err := buffer.NewStrategy(cfg.Buffer.Strategy, rc, scripts)
	if err != nil {
		return err
	}
	buf := buffer.New(rc, scripts, strategy, buffer.Options{
		SourceKey:   cfg.Buffer.SourceKey,
		SnapshotTTL: cfg.Sync.TempKeyTTL,
	}, metrics)

	// 2. Durable sink.
	checks := map[string]api.HealthCheck{
		"redis": func(ctx context.Context) error { return rc.Ping(ctx).Err() },
	}
	sinkOpts := persistence.Options{Redis: rc, Logger: log}
	if cfg.Sink.Adapter == "postgres" {
		db, err := persistence.OpenPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := runMigrations(db, cfg.Database.AutoMigrate, log); err != nil {
			return err
		}
		sinkOpts.DB = db
		checks["database"] = db.PingContext
	}
	sink, err := persistence.BuildSink(cfg.Sink.Adapter, sinkOpts)
	if err != nil {
		return err
	}

	// 3. Dead-letter chain.
	dead, err := newDeadLetter(cfg, metrics, log)
	if err != nil {
		return err
	}

	// 4. Flush pipeline: executor, saga, lock, worker, on-demand trigger.
	executor := core.NewBatchSyncExecutor(sink, cfg.Sync.ChunkSize, metrics, log)
	service := core.NewSyncService(buf, executor, dead.escalator, metrics, log)
	locker, closeLocker, err := newLocker(cfg, rc)
	if err != nil {
		dead.close()
		return err
	}
	coordinator := core.NewCoordinator(locker, service, core.LockOptions{
		Name:  cfg.Lock.Name,
		Wait:  cfg.Lock.Wait,
		Lease: cfg.Lock.Lease,
	}, metrics, log)
	worker := core.NewWorker(coordinator, cfg.Sync.Interval, log)
	guard := idempotency.NewGuard(rc, cfg.Idempotency.TTL, metrics, log)
	trigger := core.NewTrigger(guard, coordinator, cfg.Idempotency.Namespace, log)

	// 5. HTTP surfaces.
	apiServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(buf, trigger, checks, log).NewEngine(cfg.HTTP.Mode),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := telemetry.NewMetricsServer(cfg.Metrics.Addr, reg)

	worker.Start()
	log.Info("likesync started",
		"source_key", buf.SourceKey(), "strategy", cfg.Buffer.Strategy, "sink", cfg.Sink.Adapter,
		"lock", cfg.Lock.Backend, "dlq", cfg.DLQ.Publisher, "interval", cfg.Sync.Interval,
		"chunk_size", cfg.Sync.ChunkSize, "http_addr", cfg.HTTP.Addr, "metrics_addr", cfg.Metrics.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, "api", log) })
	g.Go(func() error { return serve(metricsServer, "metrics", log) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	err = g.Wait()

	// No new triggers can arrive; the worker's final flush drains the buffer.
	worker.Stop()
	if ls, ok := sink.(*persistence.LoggingSink); ok {
		ls.LogSummary()
	}
	if cerr := closeLocker(); cerr != nil {
		log.Warn("closing lock backend failed", "error", cerr)
	}
	dead.close()
	return err
}

func serve(srv *http.Server, name string, log *slog.Logger) error {
	log.Info("HTTP server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

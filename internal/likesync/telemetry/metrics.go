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

// Package telemetry holds the Prometheus instruments of the like sync pipeline.
//
// All recording methods are nil-safe so components can be built without metrics
// in tests. Metric names are global (no per-member labels) to keep cardinality bounded.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chunk results.
const (
	ChunkProcessed = "processed"
	ChunkFailed    = "failed"
)

// Metrics groups every counter and histogram the pipeline records.
type Metrics struct {
	syncAttempts  prometheus.Counter
	syncSuccess   prometheus.Counter
	syncEmpty     prometheus.Counter
	syncSkipped   prometheus.Counter
	compensations *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	fallbackFatal prometheus.Counter
	cleanupFailed prometheus.Counter
	chunks        *prometheus.CounterVec
	rowsPerChunk  prometheus.Histogram
	flushDuration prometheus.Histogram
	scriptReloads *prometheus.CounterVec
	parseFailures prometheus.Counter
	idempotency   *prometheus.CounterVec
	locks         *prometheus.CounterVec
}

// New registers the pipeline metrics on reg. Passing nil uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		syncAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_attempts_total",
			Help: "Flush cycles that acquired the lock and started a snapshot",
		}),
		syncSuccess: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_success_total",
			Help: "Flush cycles whose snapshot was fully persisted and committed",
		}),
		syncEmpty: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_empty_total",
			Help: "Flush cycles that found an empty buffer",
		}),
		syncSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_skipped_total",
			Help: "Flush cycles skipped because another instance held the lock",
		}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_compensation_total",
			Help: "Snapshot restores after a failed flush, by result",
		}, []string{"result"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_dead_letter_total",
			Help: "Dead-letter escalations, by the stage that accepted the event",
		}, []string{"stage"}),
		fallbackFatal: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_fallback_failures_total",
			Help: "Dead-letter events that could not be written to the local fallback file",
		}),
		cleanupFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_commit_cleanup_failures_total",
			Help: "Committed snapshots whose delete-and-decrement failed; the pending total stays high by their sum",
		}),
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_chunks_total",
			Help: "Chunk writes against the durable sink, by result",
		}, []string{"result"}),
		rowsPerChunk: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "like_sync_rows_per_chunk",
			Help:    "Distribution of rows per chunk write",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "like_sync_flush_duration_seconds",
			Help:    "Wall time of a flush cycle from snapshot to commit or compensation",
			Buckets: prometheus.DefBuckets,
		}),
		scriptReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_script_reload_total",
			Help: "Lua scripts reloaded after a NOSCRIPT reply",
		}, []string{"script"}),
		parseFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "like_sync_parse_failures_total",
			Help: "Buffer values that were not integers and were counted as zero",
		}),
		idempotency: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_idempotency_total",
			Help: "Idempotency guard outcomes",
		}, []string{"outcome"}),
		locks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "like_sync_lock_total",
			Help: "Distributed lock acquisition outcomes",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) SyncAttempt() {
	if m == nil {
		return
	}
	m.syncAttempts.Inc()
}

func (m *Metrics) SyncSucceeded() {
	if m == nil {
		return
	}
	m.syncSuccess.Inc()
}

func (m *Metrics) SyncEmpty() {
	if m == nil {
		return
	}
	m.syncEmpty.Inc()
}

func (m *Metrics) SyncSkipped() {
	if m == nil {
		return
	}
	m.syncSkipped.Inc()
}

// Compensation records a restore attempt; result is "restored" or "failed".
func (m *Metrics) Compensation(result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(result).Inc()
}

// DeadLetter records which stage finally held a dead-letter event ("published" or "file").
func (m *Metrics) DeadLetter(stage string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(stage).Inc()
}

func (m *Metrics) FallbackFailed() {
	if m == nil {
		return
	}
	m.fallbackFatal.Inc()
}

// CommitCleanupFailed records a committed snapshot that was left to expire
// without lowering the pending total.
func (m *Metrics) CommitCleanupFailed() {
	if m == nil {
		return
	}
	m.cleanupFailed.Inc()
}

// Chunk records one chunk write with its row count.
func (m *Metrics) Chunk(result string, rows int) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(result).Inc()
	if rows > 0 {
		m.rowsPerChunk.Observe(float64(rows))
	}
}

func (m *Metrics) FlushDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
}

func (m *Metrics) ScriptReloaded(name string) {
	if m == nil {
		return
	}
	m.scriptReloads.WithLabelValues(name).Inc()
}

func (m *Metrics) ParseFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.parseFailures.Add(float64(n))
}

// Idempotency records a guard outcome: acquired, duplicate, error, completed or released.
func (m *Metrics) Idempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}

// Lock records a lock outcome: acquired, not_acquired or error.
func (m *Metrics) Lock(outcome string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(outcome).Inc()
}

// NewMetricsServer returns an HTTP server exposing /metrics for g on addr.
func NewMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

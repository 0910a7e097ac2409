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

// This file implements the background worker that triggers flush cycles.

package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"likesync/internal/likesync/lock"
)

// Flusher runs one coordinated flush. *Coordinator implements it.
type Flusher interface {
	Flush(ctx context.Context) (CycleReport, error)
}

// Worker triggers a flush on a fixed interval and once more on Stop.
type Worker struct {
	flusher      Flusher
	interval     time.Duration
	finalTimeout time.Duration
	log          *slog.Logger
	stopChan     chan struct{}
	wg           sync.WaitGroup
	stopped      uint32
}

// NewWorker creates a worker. interval <= 0 defaults to 5s.
func NewWorker(flusher Flusher, interval time.Duration, log *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		flusher:      flusher,
		interval:     interval,
		finalTimeout: 30 * time.Second,
		log:          log,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the flush loop.
func (w *Worker) Start() {
	w.log.Info("[Worker] starting flush loop", "interval", w.interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.flushLoop()
	}()
}

// Stop ends the loop after a final flush. Safe to call more than once.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.log.Info("[Worker] stopping flush loop")
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Worker) flushLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCycle(context.Background())
		case <-w.stopChan:
			// On stop, flush whatever accumulated since the last tick.
			ctx, cancel := context.WithTimeout(context.Background(), w.finalTimeout)
			w.runCycle(ctx)
			cancel()
			return
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	rep, err := w.flusher.Flush(ctx)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		// Another instance is flushing; logged by the coordinator.
	case err != nil:
		w.log.Error("[Worker] flush cycle failed", "outcome", rep.Outcome, "temp_key", rep.TempKey, "error", err)
	case rep.Outcome == OutcomeCommitted:
		w.log.Debug("[Worker] flush cycle done", "entries", rep.Entries, "total", rep.Total, "duration", rep.Duration)
	}
}

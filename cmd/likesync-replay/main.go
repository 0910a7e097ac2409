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

// Command likesync-replay puts dead-lettered snapshots back into the live like
// buffer. It only runs when an operator starts it; nothing replays on its own.
//
// Usage:
//
//	likesync-replay -file=like-sync-dlq.jsonl -dry-run
//	likesync-replay -config=likesync.yaml -event=01J9Z...
//
// Every merged event id is appended to <file>.replayed and later runs skip the
// ids listed there, so a rerun after a failure or after an -event run merges
// each event once. After a full replay the file is renamed with a
// .replayed-<unix> suffix and the id list moves next to it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"likesync/internal/likesync/buffer"
	"likesync/internal/likesync/config"
	"likesync/internal/likesync/dlq"
	"likesync/internal/likesync/script"
)

// Merger adds entries to the live buffer. *buffer.Buffer implements it.
type Merger interface {
	Merge(ctx context.Context, entries map[string]int64) error
}

type replayResult struct {
	Events  int
	Skipped int
	Members int
	Total   int64
}

// replayLog is the set of event ids already merged, kept in a sidecar file next
// to the dead-letter file. Each id is fsynced right after its merge so a rerun
// after a failure or an -event run never merges the same event twice.
type replayLog struct {
	f    *os.File
	done map[string]bool
}

func sidecarPath(path string) string { return path + ".replayed" }

func openReplayLog(path string) (*replayLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open replay log: %w", err)
	}
	done := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			done[id] = true
		}
	}
	if err := sc.Err(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read replay log: %w", err)
	}
	return &replayLog{f: f, done: done}, nil
}

func (l *replayLog) seen(id string) bool { return l != nil && l.done[id] }

func (l *replayLog) record(id string) error {
	if l == nil {
		return nil
	}
	if _, err := l.f.WriteString(id + "\n"); err != nil {
		return err
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	l.done[id] = true
	return nil
}

func (l *replayLog) Close() error { return l.f.Close() }

// replay merges events into m, skipping those whose id does not match only
// (when only is set) and those done already lists. It stops at the first merge
// error. A nil done tracks nothing.
func replay(ctx context.Context, m Merger, events []dlq.Event, only string, dryRun bool, done *replayLog, log *slog.Logger) (replayResult, error) {
	var res replayResult
	for _, ev := range events {
		if only != "" && ev.ID != only {
			continue
		}
		if done.seen(ev.ID) {
			log.Info("skipping already replayed snapshot", "event_id", ev.ID, "temp_key", ev.TempKey)
			res.Skipped++
			continue
		}
		log.Info("replaying dead-lettered snapshot",
			"event_id", ev.ID, "temp_key", ev.TempKey, "members", len(ev.Entries),
			"total", ev.Total(), "cause", ev.Cause, "dry_run", dryRun)
		if !dryRun {
			if err := m.Merge(ctx, ev.Entries); err != nil {
				return res, fmt.Errorf("merge event %s: %w", ev.ID, err)
			}
			if err := done.record(ev.ID); err != nil {
				return res, fmt.Errorf("record event %s as replayed: %w", ev.ID, err)
			}
		}
		res.Events++
		res.Members += len(ev.Entries)
		res.Total += ev.Total()
	}
	return res, nil
}

func main() {
	configPath := flag.String("config", "", "Path to the likesync YAML config (optional)")
	file := flag.String("file", "", "DLQ JSONL file (default: dlq.file_path from config)")
	only := flag.String("event", "", "Replay only the event with this id")
	dryRun := flag.Bool("dry-run", false, "Print what would be replayed without touching Redis")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	path := *file
	if path == "" {
		path = cfg.DLQ.FilePath
	}

	events, skipped, err := dlq.ReadAll(path)
	if err != nil {
		log.Error("Failed to read dead-letter file", "path", path, "error", err)
		os.Exit(1)
	}
	if skipped > 0 {
		log.Warn("Skipped unreadable lines; fix them by hand", "path", path, "skipped", skipped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rc.Close()
	buf := buffer.New(rc, script.NewRegistry(rc, nil, log), nil, buffer.Options{SourceKey: cfg.Buffer.SourceKey}, nil)

	done, err := openReplayLog(sidecarPath(path))
	if err != nil {
		log.Error("Failed to open replay log", "path", sidecarPath(path), "error", err)
		os.Exit(1)
	}

	res, err := replay(ctx, buf, events, *only, *dryRun, done, log)
	_ = done.Close()
	if err != nil {
		log.Error("Replay stopped; rerun to continue with the remaining events",
			"error", err, "replayed_events", res.Events, "already_replayed", res.Skipped)
		os.Exit(1)
	}
	log.Info("Replay finished", "events", res.Events, "already_replayed", res.Skipped,
		"members", res.Members, "total", res.Total, "dry_run", *dryRun)

	if !*dryRun && *only == "" && res.Events+res.Skipped > 0 {
		archived := fmt.Sprintf("%s.replayed-%d", path, time.Now().Unix())
		if err := os.Rename(path, archived); err != nil {
			log.Warn("Could not rename replayed file; the replay log still guards it", "path", path, "error", err)
			return
		}
		if err := os.Rename(sidecarPath(path), archived+".ids"); err != nil {
			log.Warn("Could not archive replay log", "path", sidecarPath(path), "error", err)
		}
		log.Info("Replayed file archived", "path", archived)
	}
}

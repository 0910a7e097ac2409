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

package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilePath is where dead-letter events land when publishing fails.
const DefaultFilePath = "like-sync-dlq.jsonl"

// FileFallback appends events as JSON lines. Every Write is synced to disk before
// it returns. It is safe for concurrent use.
type FileFallback struct {
	mu   sync.Mutex
	path string
}

// NewFileFallback creates the parent directory of path if needed. The file itself
// is opened per write so a rotated or deleted file is recreated.
func NewFileFallback(path string) (*FileFallback, error) {
	if path == "" {
		path = DefaultFilePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("dlq file dir: %w", err)
		}
	}
	return &FileFallback{path: path}, nil
}

// Path returns the backing file.
func (f *FileFallback) Path() string { return f.path }

// Write appends ev and fsyncs.
func (f *FileFallback) Write(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dlq event: %w", err)
	}
	b = append(b, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq file: %w", err)
	}
	if _, err := fh.Write(b); err != nil {
		_ = fh.Close()
		return fmt.Errorf("write dlq file: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync dlq file: %w", err)
	}
	return fh.Close()
}

// ReadAll reads every event of a dead-letter file. Malformed lines are skipped and
// counted in skipped.
func ReadAll(path string) (events []Event, skipped int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer fh.Close()
	scanner := bufio.NewScanner(fh)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, scanner.Err()
}

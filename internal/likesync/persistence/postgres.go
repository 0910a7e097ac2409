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
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres schema (see internal/likesync/migrations):
//
//	like_counts(target_id TEXT PRIMARY KEY, like_count BIGINT, updated_at TIMESTAMPTZ)
//	like_sync_batches(batch_id TEXT PRIMARY KEY, entries INT, total BIGINT, applied_at TIMESTAMPTZ)
//
// One transaction per batch:
//
//	INSERT INTO like_sync_batches ... ON CONFLICT DO NOTHING   -- 0 rows: batch already applied
//	INSERT INTO like_counts SELECT ... FROM unnest($1, $2)
//	  ON CONFLICT (target_id) DO UPDATE SET like_count = like_counts.like_count + EXCLUDED.like_count

const (
	insertBatchSQL = `INSERT INTO like_sync_batches (batch_id, entries, total) VALUES ($1, $2, $3) ON CONFLICT (batch_id) DO NOTHING`

	upsertCountsSQL = `INSERT INTO like_counts (target_id, like_count, updated_at)
SELECT t.target_id, t.delta, now() FROM unnest($1::text[], $2::bigint[]) AS t(target_id, delta)
ON CONFLICT (target_id) DO UPDATE SET like_count = like_counts.like_count + EXCLUDED.like_count, updated_at = EXCLUDED.updated_at`
)

// PostgresSink writes each batch in its own READ COMMITTED transaction.
type PostgresSink struct {
	db *sql.DB
	// per-call timeout fallback if ctx has no deadline
	defaultTimeout time.Duration
}

// NewPostgresSink wraps an open database handle.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, defaultTimeout: 10 * time.Second}
}

// OpenPostgres opens a lib/pq connection pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ApplyBatch adds every delta of the batch to like_counts, or nothing at all.
func (p *PostgresSink) ApplyBatch(ctx context.Context, batch Batch) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	if batch.ID == "" {
		return ErrMissingBatchID
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin batch %s: %w", batch.ID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, insertBatchSQL, batch.ID, len(batch.Entries), batch.Total())
	if err != nil {
		return fmt.Errorf("insert like_sync_batches(%s): %w", batch.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Same batch already committed by an earlier attempt.
		return nil
	}

	keys := make([]string, len(batch.Entries))
	deltas := make([]int64, len(batch.Entries))
	for i, e := range batch.Entries {
		keys[i] = e.Key
		deltas[i] = e.Delta
	}
	if _, err := tx.ExecContext(ctx, upsertCountsSQL, pq.Array(keys), pq.Array(deltas)); err != nil {
		return fmt.Errorf("upsert like_counts(batch=%s, rows=%d): %w", batch.ID, len(keys), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", batch.ID, err)
	}
	return nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
)

// Statements idempotentes: o schema pode ser (re)aplicado em todo startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ingested_events (
		event_id     TEXT PRIMARY KEY,
		timestamp_ms BIGINT NOT NULL,
		payload      JSONB NOT NULL,
		ingested_at  TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS worker_checkpoints (
		worker_id      INT PRIMARY KEY,
		chunk_start_ts BIGINT,
		chunk_end_ts   BIGINT,
		cursor         TEXT NULL,
		last_ts        BIGINT NULL,
		fetched_count  BIGINT DEFAULT 0,
		inserted_count BIGINT DEFAULT 0,
		status         TEXT DEFAULT 'running',
		updated_at     TIMESTAMPTZ DEFAULT NOW()
	)`,
}

// EnsureSchema cria as tabelas se ainda não existirem.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

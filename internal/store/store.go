// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nishisan-dev/n-ingest/internal/cursor"
	"github.com/nishisan-dev/n-ingest/internal/source"
)

// Batch é a unidade de escrita: eventos filtrados de uma página mais o
// checkpoint que os descreve. Ambos commitam na mesma transação.
type Batch struct {
	Events     []source.Event
	Checkpoint Checkpoint
}

// Store agrupa os repositórios de eventos e checkpoints sobre um pool pgx.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New cria o Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Close fecha o pool de conexões.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteBatch executa um batch em uma única transação:
// BEGIN → bulk insert → upsert do checkpoint → COMMIT.
// Retorna o número de linhas efetivamente inseridas (pós-conflito).
func (s *Store) WriteBatch(ctx context.Context, b Batch) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	// Rollback é no-op após Commit
	defer tx.Rollback(ctx)

	inserted, err := insertEvents(ctx, tx, b.Events)
	if err != nil {
		return 0, fmt.Errorf("inserting events: %w", err)
	}

	cp := b.Checkpoint
	cp.InsertedCount += inserted
	if err := upsertCheckpoint(ctx, tx, cp); err != nil {
		return 0, fmt.Errorf("upserting checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing batch: %w", err)
	}
	return inserted, nil
}

// insertEvents faz o bulk insert na forma array-unnest: um parâmetro por
// coluna. Conflito em event_id (costura entre partições ou replay) é
// ignorado. Input vazio é no-op retornando 0 sem ir ao banco.
func insertEvents(ctx context.Context, tx pgx.Tx, events []source.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, len(events))
	timestamps := make([]int64, len(events))
	payloads := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
		timestamps[i] = e.TimestampMs
		payloads[i] = string(e.Payload)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ingested_events (event_id, timestamp_ms, payload)
		SELECT u.event_id, u.timestamp_ms, u.payload::jsonb
		FROM unnest($1::text[], $2::bigint[], $3::text[]) AS u(event_id, timestamp_ms, payload)
		ON CONFLICT (event_id) DO NOTHING`,
		ids, timestamps, payloads,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// upsertCheckpoint grava todas as colunas mutáveis do checkpoint.
func upsertCheckpoint(ctx context.Context, tx pgx.Tx, cp Checkpoint) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO worker_checkpoints
			(worker_id, chunk_start_ts, chunk_end_ts, cursor, last_ts, fetched_count, inserted_count, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			cursor         = EXCLUDED.cursor,
			last_ts        = EXCLUDED.last_ts,
			fetched_count  = EXCLUDED.fetched_count,
			inserted_count = EXCLUDED.inserted_count,
			status         = EXCLUDED.status,
			updated_at     = NOW()`,
		cp.WorkerID, cp.ChunkStartTs, cp.ChunkEndTs, cp.Cursor, cp.LastTs,
		cp.FetchedCount, cp.InsertedCount, cp.Status,
	)
	return err
}

// LoadCheckpoints retorna todos os checkpoints ordenados por worker_id.
func (s *Store) LoadCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, chunk_start_ts, chunk_end_ts, cursor, last_ts,
		       fetched_count, inserted_count, status
		FROM worker_checkpoints
		ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.WorkerID, &cp.ChunkStartTs, &cp.ChunkEndTs,
			&cp.Cursor, &cp.LastTs, &cp.FetchedCount, &cp.InsertedCount, &cp.Status); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// InitCheckpoints insere os checkpoints iniciais para cada chunk, pulando
// os que já existem (resume).
func (s *Store) InitCheckpoints(ctx context.Context, chunks []cursor.Chunk) error {
	ids := make([]int, len(chunks))
	starts := make([]int64, len(chunks))
	ends := make([]int64, len(chunks))
	for i, c := range chunks {
		ids[i] = i
		starts[i] = c.StartTs
		ends[i] = c.EndTs
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_checkpoints (worker_id, chunk_start_ts, chunk_end_ts, status)
		SELECT u.worker_id, u.chunk_start_ts, u.chunk_end_ts, 'running'
		FROM unnest($1::int[], $2::bigint[], $3::bigint[]) AS u(worker_id, chunk_start_ts, chunk_end_ts)
		ON CONFLICT (worker_id) DO NOTHING`,
		ids, starts, ends,
	)
	if err != nil {
		return fmt.Errorf("initializing checkpoints: %w", err)
	}
	return nil
}

// ResetCheckpoints descarta todos os checkpoints. Usado quando o número de
// partições mudou entre runs — os limites dos chunks não batem mais.
func (s *Store) ResetCheckpoints(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE worker_checkpoints`); err != nil {
		return fmt.Errorf("resetting checkpoints: %w", err)
	}
	return nil
}

// CountEvents retorna o total de eventos na tabela.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingested_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// IterateEventIDs percorre todos os event_ids em ordem de timestamp
// decrescente, chamando fn para cada um. Usado pelo submitter.
func (s *Store) IterateEventIDs(ctx context.Context, fn func(id string) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id FROM ingested_events ORDER BY timestamp_ms DESC`)
	if err != nil {
		return fmt.Errorf("listing event ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning event id: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

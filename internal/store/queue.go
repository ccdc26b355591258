// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// BatchWriter executa um batch em uma transação. Implementado pelo Store;
// substituído por fakes nos testes.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b Batch) (int64, error)
}

// WriteResult é o desfecho de um batch enfileirado.
type WriteResult struct {
	Inserted int64
	Err      error
}

// WriteQueue é o pool limitado de escritores: no máximo `concurrency`
// transações simultâneas e `maxPending` batches aguardando. Enqueue aplica
// backpressure bloqueando quando o backlog está cheio. A ordem entre
// workers não é garantida; dentro de um worker ela segue do próprio fluxo
// (cada worker aguarda o resultado antes de enfileirar o próximo batch).
type WriteQueue struct {
	writer BatchWriter
	tasks  chan *writeTask
	logger *slog.Logger

	workers  sync.WaitGroup // goroutines consumidoras
	inflight sync.WaitGroup // batches aceitos e ainda não resolvidos

	pending atomic.Int64
	closed  atomic.Bool
}

type writeTask struct {
	batch  Batch
	result chan WriteResult
}

// NewWriteQueue cria a fila e inicia os escritores.
func NewWriteQueue(ctx context.Context, writer BatchWriter, concurrency, maxPending int, logger *slog.Logger) *WriteQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxPending < 1 {
		maxPending = 1
	}

	q := &WriteQueue{
		writer: writer,
		tasks:  make(chan *writeTask, maxPending),
		logger: logger,
	}

	q.workers.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go q.runWriter(ctx)
	}
	return q
}

func (q *WriteQueue) runWriter(ctx context.Context) {
	defer q.workers.Done()
	for task := range q.tasks {
		inserted, err := q.writer.WriteBatch(ctx, task.batch)
		if err != nil {
			q.logger.Warn("batch write failed",
				"workerId", task.batch.Checkpoint.WorkerID,
				"events", len(task.batch.Events), "error", err)
		}
		task.result <- WriteResult{Inserted: inserted, Err: err}
		q.pending.Add(-1)
		q.inflight.Done()
	}
}

// Enqueue submete um batch e retorna o canal do resultado. Bloqueia quando
// o backlog está cheio (backpressure cooperativa) ou até ctx cancelar.
func (q *WriteQueue) Enqueue(ctx context.Context, b Batch) (<-chan WriteResult, error) {
	task := &writeTask{batch: b, result: make(chan WriteResult, 1)}

	q.inflight.Add(1)
	select {
	case q.tasks <- task:
		q.pending.Add(1)
		return task.result, nil
	case <-ctx.Done():
		q.inflight.Done()
		return nil, ctx.Err()
	}
}

// Pending retorna o número de batches aceitos e ainda não resolvidos.
func (q *WriteQueue) Pending() int64 {
	return q.pending.Load()
}

// Drain aguarda todos os batches em voo resolverem. Não aceita novos
// batches depois; chamar Enqueue após Drain é um erro de programação.
func (q *WriteQueue) Drain() {
	q.inflight.Wait()
	if q.closed.CompareAndSwap(false, true) {
		close(q.tasks)
	}
	q.workers.Wait()
}

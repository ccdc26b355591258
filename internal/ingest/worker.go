// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest contém o loop de paginação dos workers e o orquestrador
// que particiona a linha do tempo entre eles.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-ingest/internal/cursor"
	"github.com/nishisan-dev/n-ingest/internal/metrics"
	"github.com/nishisan-dev/n-ingest/internal/source"
	"github.com/nishisan-dev/n-ingest/internal/store"
	"github.com/nishisan-dev/n-ingest/internal/transport"
)

// BatchQueue é o que o worker enxerga da fila de escrita. Implementado por
// store.WriteQueue; substituído por fakes nos testes.
type BatchQueue interface {
	Enqueue(ctx context.Context, b store.Batch) (<-chan store.WriteResult, error)
}

// Worker pagina a sua partição de trás para frente (a API retorna em ordem
// decrescente de timestamp) mantendo um fetch em voo enquanto o batch
// anterior é escrito. O checkpoint só avança dentro da transação do batch.
type Worker struct {
	cp store.Checkpoint

	src       source.Fetcher
	queue     BatchQueue
	registry  *metrics.Registry
	batchSize int

	// stop é o predicado de parada cooperativa; consultado entre páginas e
	// antes de agendar o próximo fetch.
	stop func() bool

	logger *slog.Logger
}

// WorkerConfig agrupa as dependências de um worker.
type WorkerConfig struct {
	Checkpoint store.Checkpoint
	Source     source.Fetcher
	Queue      BatchQueue
	Registry   *metrics.Registry
	BatchSize  int
	Stop       func() bool
	Logger     *slog.Logger
}

// NewWorker cria um worker a partir do seu checkpoint.
func NewWorker(cfg WorkerConfig) *Worker {
	stop := cfg.Stop
	if stop == nil {
		stop = func() bool { return false }
	}
	return &Worker{
		cp:        cfg.Checkpoint,
		src:       cfg.Source,
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		batchSize: cfg.BatchSize,
		stop:      stop,
		logger:    cfg.Logger.With("workerId", cfg.Checkpoint.WorkerID),
	}
}

type fetchResult struct {
	page *source.Page
	err  error
}

// startFetch dispara a busca da página em uma goroutine. O canal tem
// buffer 1 para a goroutine nunca ficar presa se o worker desistir.
func (w *Worker) startFetch(ctx context.Context, cur string) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	go func() {
		p, err := w.src.FetchPage(ctx, source.FetchQuery{
			Limit:  w.batchSize,
			Cursor: cur,
			Since:  w.cp.ChunkStartTs,
			Until:  w.cp.ChunkEndTs,
		})
		ch <- fetchResult{page: p, err: err}
	}()
	return ch
}

// Run executa o loop do worker até esgotar a partição, o predicado de
// parada disparar ou um erro irrecuperável. Retorna nil também quando
// parado externamente (o status persistido fica RUNNING para retomada).
func (w *Worker) Run(ctx context.Context) error {
	if w.cp.Status == store.StatusCompleted {
		w.logger.Info("partition already completed, skipping",
			"fetchedCount", w.cp.FetchedCount, "insertedCount", w.cp.InsertedCount)
		return nil
	}
	if w.stop() {
		return nil
	}
	w.cp.Status = store.StatusRunning
	w.registry.SetStatus(w.cp.WorkerID, store.StatusRunning)

	cur := ""
	if w.cp.Cursor != nil && *w.cp.Cursor != "" {
		cur = *w.cp.Cursor
	} else {
		// Sem cursor salvo: forja a partir do teto da partição, já que as
		// páginas vêm do timestamp mais alto para o mais baixo.
		cur = cursor.Forge(w.cp.ChunkEndTs)
	}

	w.logger.Info("worker started",
		"chunkStartTs", w.cp.ChunkStartTs, "chunkEndTs", w.cp.ChunkEndTs,
		"resuming", w.cp.Cursor != nil)

	inflight := w.startFetch(ctx, cur)
	done := false
	stopped := false

	for !done {
		if w.stop() {
			stopped = true
			break
		}

		res := <-inflight
		if res.err != nil {
			var httpErr *transport.HTTPError
			if errors.As(res.err, &httpErr) && httpErr.Status == 400 && w.cp.LastTs != nil {
				// Cursor expirado no meio da partição: re-forja a partir do
				// último timestamp visto e segue do mesmo ponto.
				cur = cursor.Forge(*w.cp.LastTs)
				w.logger.Warn("cursor rejected, re-forging from last seen timestamp",
					"lastTs", *w.cp.LastTs)
				inflight = w.startFetch(ctx, cur)
				continue
			}
			return w.fail(ctx, fmt.Errorf("worker %d: fetch: %w", w.cp.WorkerID, res.err))
		}

		page := res.page
		filtered := make([]source.Event, 0, len(page.Events))
		for _, ev := range page.Events {
			if ev.TimestampMs >= w.cp.ChunkStartTs && ev.TimestampMs < w.cp.ChunkEndTs {
				filtered = append(filtered, ev)
			}
			if ev.TimestampMs < w.cp.ChunkStartTs {
				// Cruzou para a partição anterior; em ordem decrescente
				// nenhuma página futura volta a subir.
				done = true
			}
		}

		w.cp.FetchedCount += int64(len(page.Events))
		w.registry.AddFetched(w.cp.WorkerID, int64(len(page.Events)))
		if len(page.Events) > 0 {
			minTs := page.Events[0].TimestampMs
			for _, ev := range page.Events[1:] {
				if ev.TimestampMs < minTs {
					minTs = ev.TimestampMs
				}
			}
			w.cp.LastTs = &minTs
		}
		if page.NextCursor != "" {
			next := page.NextCursor
			w.cp.Cursor = &next
			cur = next
		} else {
			cur = ""
		}

		// Pipelining: o próximo fetch parte antes de aguardar a escrita do
		// batch atual.
		wantNext := page.HasMore && !done && cur != ""
		scheduled := false
		if wantNext && !w.stop() {
			inflight = w.startFetch(ctx, cur)
			scheduled = true
		}

		if len(filtered) > 0 {
			inserted, err := w.commit(ctx, filtered, store.StatusRunning)
			if err != nil {
				return w.fail(ctx, fmt.Errorf("worker %d: write: %w", w.cp.WorkerID, err))
			}
			w.cp.InsertedCount += inserted
			w.registry.AddInserted(w.cp.WorkerID, inserted)
		}

		switch {
		case !wantNext:
			done = true
		case !scheduled:
			// Havia próxima página mas a parada impediu o agendamento.
			stopped = true
		}
		if stopped {
			break
		}
	}

	if stopped {
		w.logger.Info("worker stopped by shutdown signal",
			"fetchedCount", w.cp.FetchedCount, "insertedCount", w.cp.InsertedCount)
		return nil
	}

	// Partição esgotada: o status terminal entra pelo mesmo caminho
	// transacional dos batches.
	w.cp.Status = store.StatusCompleted
	if _, err := w.commit(ctx, nil, store.StatusCompleted); err != nil {
		return w.fail(ctx, fmt.Errorf("worker %d: commit completion: %w", w.cp.WorkerID, err))
	}
	w.registry.SetStatus(w.cp.WorkerID, store.StatusCompleted)
	w.logger.Info("worker completed partition",
		"fetchedCount", w.cp.FetchedCount, "insertedCount", w.cp.InsertedCount)
	return nil
}

// commit enfileira um batch com o snapshot atual do checkpoint e aguarda a
// transação resolver.
func (w *Worker) commit(ctx context.Context, events []source.Event, status string) (int64, error) {
	cp := w.cp
	cp.Status = status
	resCh, err := w.queue.Enqueue(ctx, store.Batch{Events: events, Checkpoint: cp})
	if err != nil {
		return 0, err
	}
	res := <-resCh
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Inserted, nil
}

// fail marca o worker como FAILED (best-effort, fora do caminho do erro
// original) e propaga o erro para o orquestrador agregar.
func (w *Worker) fail(ctx context.Context, cause error) error {
	w.cp.Status = store.StatusFailed
	w.registry.SetStatus(w.cp.WorkerID, store.StatusFailed)
	if _, err := w.commit(ctx, nil, store.StatusFailed); err != nil {
		w.logger.Warn("could not persist failed status", "error", err)
	}
	w.logger.Error("worker failed", "error", cause)
	return cause
}

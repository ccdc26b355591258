// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/cursor"
	"github.com/nishisan-dev/n-ingest/internal/metrics"
	"github.com/nishisan-dev/n-ingest/internal/source"
	"github.com/nishisan-dev/n-ingest/internal/store"
)

// launchStagger espaça a partida dos workers para amortizar a aquisição
// inicial de credenciais e o ramp-up na API.
const launchStagger = 500 * time.Millisecond

// CheckpointStore é o que o orquestrador precisa do repositório de
// checkpoints, mais a fábrica da fila de escrita.
type CheckpointStore interface {
	EnsureSchema(ctx context.Context) error
	LoadCheckpoints(ctx context.Context) ([]store.Checkpoint, error)
	InitCheckpoints(ctx context.Context, chunks []cursor.Chunk) error
	ResetCheckpoints(ctx context.Context) error
	WriteBatch(ctx context.Context, b store.Batch) (int64, error)
}

// Orchestrator particiona a linha do tempo, cria um worker por partição e
// acompanha o progresso até a conclusão ou o sinal de parada.
type Orchestrator struct {
	st       CheckpointStore
	src      source.Fetcher
	registry *metrics.Registry
	logger   *slog.Logger

	partitionCount   int
	batchSize        int
	minTs, maxTs     int64
	writeConcurrency int
	maxPendingWrites int
	progressInterval time.Duration
	stagger          time.Duration
}

// OrchestratorConfig agrupa as dependências e os parâmetros de execução.
type OrchestratorConfig struct {
	Store    CheckpointStore
	Source   source.Fetcher
	Registry *metrics.Registry
	Logger   *slog.Logger

	PartitionCount   int
	BatchSize        int
	MinTimestampMs   int64
	MaxTimestampMs   int64
	WriteConcurrency int
	MaxPendingWrites int
	ProgressInterval time.Duration
}

// NewOrchestrator cria o orquestrador.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		st:               cfg.Store,
		src:              cfg.Source,
		registry:         cfg.Registry,
		logger:           cfg.Logger,
		partitionCount:   cfg.PartitionCount,
		batchSize:        cfg.BatchSize,
		minTs:            cfg.MinTimestampMs,
		maxTs:            cfg.MaxTimestampMs,
		writeConcurrency: cfg.WriteConcurrency,
		maxPendingWrites: cfg.MaxPendingWrites,
		progressInterval: cfg.ProgressInterval,
		stagger:          launchStagger,
	}
}

// Run executa a ingestão completa. stopCtx é o sinal de parada cooperativa
// (SIGINT/SIGTERM): os workers o observam entre páginas e retornam com
// status RUNNING; ctx governa o I/O em si e só cancela em erro fatal.
func (o *Orchestrator) Run(ctx, stopCtx context.Context) error {
	if err := o.st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	cps, err := o.prepareCheckpoints(ctx)
	if err != nil {
		return err
	}

	queue := store.NewWriteQueue(ctx, o.st, o.writeConcurrency, o.maxPendingWrites, o.logger)
	o.registry.SetPendingFunc(queue.Pending)

	pending := make([]store.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		o.registry.SeedWorker(cp.WorkerID, cp.FetchedCount, cp.InsertedCount, cp.Status)
		if !cp.Done() {
			pending = append(pending, cp)
		}
	}
	o.logger.Info("ingestion starting",
		"partitions", len(cps), "pending", len(pending),
		"tsMin", o.minTs, "tsMax", o.maxTs)

	stop := func() bool { return stopCtx.Err() != nil }

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		workErrs []error
	)
	for i, cp := range pending {
		if i > 0 {
			select {
			case <-time.After(o.stagger):
			case <-stopCtx.Done():
			}
		}
		w := NewWorker(WorkerConfig{
			Checkpoint: cp,
			Source:     o.src,
			Queue:      queue,
			Registry:   o.registry,
			BatchSize:  o.batchSize,
			Stop:       stop,
			Logger:     o.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errMu.Lock()
				workErrs = append(workErrs, err)
				errMu.Unlock()
			}
		}()
	}

	progressDone := make(chan struct{})
	go o.progressLoop(progressDone)

	wg.Wait()
	close(progressDone)

	// Agrega só depois do drain: batches em voo continuam valendo mesmo
	// quando algum worker falhou.
	queue.Drain()

	if len(workErrs) > 0 {
		return fmt.Errorf("%d worker(s) failed: %w", len(workErrs), errors.Join(workErrs...))
	}

	snap := o.registry.Snapshot()
	if stopCtx.Err() != nil {
		o.logger.Info("ingestion interrupted, progress is durable",
			"totalFetched", snap.TotalFetched, "totalInserted", snap.TotalInserted)
		return nil
	}
	o.logger.Info("ingestion complete",
		"totalFetched", snap.TotalFetched,
		"totalInserted", snap.TotalInserted,
		"uptimeSeconds", int64(snap.UptimeSeconds))
	return nil
}

// prepareCheckpoints garante um checkpoint por partição. Mudança no número
// de partições invalida o trabalho anterior (as fronteiras dos chunks são
// outras), então zera e reinicializa.
func (o *Orchestrator) prepareCheckpoints(ctx context.Context) ([]store.Checkpoint, error) {
	chunks := cursor.Partition(o.minTs, o.maxTs, o.partitionCount)

	cps, err := o.st.LoadCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	if len(cps) > 0 && len(cps) != len(chunks) {
		o.logger.Warn("partition count changed, resetting checkpoints",
			"stored", len(cps), "configured", len(chunks))
		if err := o.st.ResetCheckpoints(ctx); err != nil {
			return nil, fmt.Errorf("reset checkpoints: %w", err)
		}
	}
	if err := o.st.InitCheckpoints(ctx, chunks); err != nil {
		return nil, fmt.Errorf("init checkpoints: %w", err)
	}
	cps, err = o.st.LoadCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload checkpoints: %w", err)
	}
	return cps, nil
}

// progressLoop loga o andamento global em intervalos regulares.
func (o *Orchestrator) progressLoop(done <-chan struct{}) {
	if o.progressInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := o.registry.Snapshot()
			o.logger.Info("ingestion progress",
				"totalFetched", snap.TotalFetched,
				"totalInserted", snap.TotalInserted,
				"throughputEps", fmt.Sprintf("%.1f", snap.ThroughputEps),
				"etaSeconds", int64(snap.EtaSeconds),
				"activeWorkers", snap.ActiveWorkers,
				"pendingWrites", snap.PendingWrites)
		}
	}
}

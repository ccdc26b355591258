// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nishisan-dev/n-ingest/internal/config"
	"github.com/nishisan-dev/n-ingest/internal/explore"
	"github.com/nishisan-dev/n-ingest/internal/ingest"
	"github.com/nishisan-dev/n-ingest/internal/logging"
	"github.com/nishisan-dev/n-ingest/internal/metrics"
	"github.com/nishisan-dev/n-ingest/internal/observability"
	"github.com/nishisan-dev/n-ingest/internal/ratelimit"
	"github.com/nishisan-dev/n-ingest/internal/source"
	"github.com/nishisan-dev/n-ingest/internal/store"
	"github.com/nishisan-dev/n-ingest/internal/submit"
	"github.com/nishisan-dev/n-ingest/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to optional base config file (env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()
	logger.Info("ningest starting", "version", observability.Version, "mode", cfg.Mode)

	// ctx governa o I/O; stopCtx é o pedido de parada cooperativa vindo de
	// SIGINT/SIGTERM. Workers observam stopCtx entre páginas e terminam
	// com status RUNNING, preservando a retomada.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopCtx, stopCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopCancel()

	if err := run(ctx, stopCtx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx, stopCtx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client := transport.NewClient(transport.ClientConfig{
		Timeout:   cfg.RequestTimeout,
		PoolWidth: cfg.PartitionCount + 4,
	})
	defer client.CloseIdleConnections()

	retrier := transport.NewRetrier(cfg.MaxRetries, cfg.RetryBase, cfg.RetryMax, logger)
	limiter := ratelimit.New(cfg.MaxRPS, logger)
	creds := source.NewCredentialManager(client, cfg.Origin(), cfg.APIKey, logger)

	src := source.New(source.Config{
		Client:     client,
		Retrier:    retrier,
		Limiter:    limiter,
		Creds:      creds,
		Origin:     cfg.Origin(),
		APIBaseURL: cfg.APIBaseURL,
		APIKey:     cfg.APIKey,
		Logger:     logger,
	})

	if cfg.Mode == config.ModeExplore {
		return explore.New(explore.Config{
			Client:     client,
			Creds:      creds,
			APIBaseURL: cfg.APIBaseURL,
			APIKey:     cfg.APIKey,
			ProbeTs:    cfg.MaxTimestampMs,
			Logger:     logger,
		}).Run(stopCtx)
	}

	pool, err := store.NewPool(ctx, store.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		Width:       cfg.PartitionCount + cfg.DBWriteConcurrency + 2,
		SyncCommit:  cfg.PgSyncCommit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool, logger)
	registry := metrics.NewRegistry()

	healthSrv := observability.NewServer(cfg.HealthPort,
		observability.NewRouter(registry, observability.NewProcessSampler()), logger)

	orch := ingest.NewOrchestrator(ingest.OrchestratorConfig{
		Store:            st,
		Source:           src,
		Registry:         registry,
		Logger:           logger,
		PartitionCount:   cfg.PartitionCount,
		BatchSize:        cfg.BatchSize,
		MinTimestampMs:   cfg.MinTimestampMs,
		MaxTimestampMs:   cfg.MaxTimestampMs,
		WriteConcurrency: cfg.DBWriteConcurrency,
		MaxPendingWrites: cfg.MaxPendingWrites,
		ProgressInterval: cfg.ProgressLogInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(healthSrv.Start)
	g.Go(func() error {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			healthSrv.Shutdown(shutdownCtx)
		}()
		return orch.Run(gctx, stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Interrompido: progresso durável já comitado, submissão fica para a
	// próxima execução completa.
	if stopCtx.Err() != nil {
		return nil
	}

	if cfg.AutoSubmit {
		return submit.New(submit.Config{
			Client:  client,
			Lister:  st,
			Origin:  cfg.Origin(),
			APIKey:  cfg.APIKey,
			RepoURL: cfg.GithubRepoURL,
			Logger:  logger,
		}).Run(ctx)
	}
	return nil
}

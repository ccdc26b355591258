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
)

// PoolConfig parametriza o pool de conexões do Postgres.
type PoolConfig struct {
	DatabaseURL string
	// Width é o número máximo de conexões. Deve cobrir
	// partições + escritores concorrentes + folga.
	Width int
	// SyncCommit é o valor de synchronous_commit por sessão ("on"/"off").
	// "off" troca durabilidade do último commit por throughput — aceitável
	// aqui porque o checkpoint commita junto com o batch que descreve.
	SyncCommit string
	Logger     *slog.Logger
}

// NewPool cria o pgxpool com as opções de sessão aplicadas em cada conexão.
// Falha ao aplicar a opção de sessão é logada, não fatal.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	if cfg.Width < 4 {
		cfg.Width = 4
	}
	pc.MaxConns = int32(cfg.Width)

	if cfg.SyncCommit == "" {
		cfg.SyncCommit = "off"
	}
	setting := fmt.Sprintf("SET synchronous_commit = '%s'", cfg.SyncCommit)

	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, setting); err != nil {
			cfg.Logger.Warn("could not apply session setting", "setting", setting, "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

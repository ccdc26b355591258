// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package explore implementa a sonda de reconhecimento da API: uma
// execução única que inspeciona formato de página, headers de rate limit
// e o comportamento de cursores forjados, sem escrever nada no banco.
package explore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-ingest/internal/cursor"
	"github.com/nishisan-dev/n-ingest/internal/source"
	"github.com/nishisan-dev/n-ingest/internal/transport"
)

// probeLimit mantém as páginas da sonda pequenas.
const probeLimit = 5

// Explorer executa as sondagens e loga o que encontrar.
type Explorer struct {
	client     *transport.Client
	creds      *source.CredentialManager
	apiBaseURL string
	apiKey     string
	probeTs    int64
	logger     *slog.Logger
}

// Config agrupa as dependências do Explorer.
type Config struct {
	Client     *transport.Client
	Creds      *source.CredentialManager
	APIBaseURL string
	APIKey     string
	// ProbeTs é o timestamp usado na sonda de cursor forjado
	// (tipicamente o teto configurado da janela de ingestão).
	ProbeTs int64
	Logger  *slog.Logger
}

// New cria o Explorer.
func New(cfg Config) *Explorer {
	return &Explorer{
		client:     cfg.Client,
		creds:      cfg.Creds,
		apiBaseURL: cfg.APIBaseURL,
		apiKey:     cfg.APIKey,
		probeTs:    cfg.ProbeTs,
		logger:     cfg.Logger,
	}
}

// Run executa as três sondagens em sequência. Falhas individuais são
// logadas e não interrompem as demais; o erro retornado é o da primeira
// sondagem essencial (a página documentada).
func (e *Explorer) Run(ctx context.Context) error {
	if err := e.probeDocumentedPage(ctx); err != nil {
		return err
	}
	e.probeForgedCursor(ctx)
	e.probeStreamAccess(ctx)
	e.logger.Info("exploration finished")
	return nil
}

// probeDocumentedPage busca a primeira página do endpoint documentado e
// loga formato e headers de rate limit.
func (e *Explorer) probeDocumentedPage(ctx context.Context) error {
	u := fmt.Sprintf("%s/events?limit=%d", e.apiBaseURL, probeLimit)
	resp, err := e.client.Get(ctx, u, map[string]string{"X-API-Key": e.apiKey})
	if err != nil {
		return fmt.Errorf("documented page probe: %w", err)
	}

	e.logger.Info("documented endpoint responded",
		"status", resp.Status,
		"rateLimitLimit", resp.Header.Get("X-RateLimit-Limit"),
		"rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining"),
		"rateLimitReset", resp.Header.Get("X-RateLimit-Reset"))

	page := source.NormalizePage(resp.Body)
	e.logPage("documented page shape", page)
	return nil
}

// probeForgedCursor verifica se o servidor aceita um cursor sintetizado e
// honra o timestamp embutido.
func (e *Explorer) probeForgedCursor(ctx context.Context) {
	forged := cursor.Forge(e.probeTs)
	u := fmt.Sprintf("%s/events?limit=%d&cursor=%s", e.apiBaseURL, probeLimit, forged)
	resp, err := e.client.Get(ctx, u, map[string]string{"X-API-Key": e.apiKey})
	if err != nil {
		e.logger.Warn("forged cursor rejected", "probeTs", e.probeTs, "error", err)
		return
	}

	page := source.NormalizePage(resp.Body)
	honored := true
	for _, ev := range page.Events {
		if ev.TimestampMs > e.probeTs {
			honored = false
			break
		}
	}
	e.logger.Info("forged cursor accepted",
		"probeTs", e.probeTs, "timestampHonored", honored, "events", len(page.Events))
	if ts, ok := cursor.DecodeTs(page.NextCursor); ok {
		e.logger.Info("server cursor decodes", "nextCursorTs", ts)
	}
}

// probeStreamAccess tenta adquirir credenciais do endpoint interno. O
// token em si nunca é logado; o redator do logger cobre descuidos.
func (e *Explorer) probeStreamAccess(ctx context.Context) {
	access, err := e.creds.Get(ctx)
	if err != nil {
		e.logger.Warn("stream access unavailable", "error", err)
		return
	}
	e.logger.Info("stream access acquired",
		"endpoint", access.Endpoint,
		"tokenHeader", access.TokenHeader,
		"expiresIn", access.ExpiresIn)
}

func (e *Explorer) logPage(msg string, p *source.Page) {
	var sampleTs int64 = -1
	if len(p.Events) > 0 {
		sampleTs = p.Events[0].TimestampMs
	}
	e.logger.Info(msg,
		"events", len(p.Events),
		"hasMore", p.HasMore,
		"hasNextCursor", p.NextCursor != "",
		"total", p.Total,
		"firstTs", sampleTs)
}

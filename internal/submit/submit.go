// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package submit envia a lista final de event ids ingeridos para o
// endpoint de submissão da API.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nishisan-dev/n-ingest/internal/transport"
)

// IDLister enumera os event ids persistidos, em ordem de timestamp
// decrescente. Implementado por store.Store.
type IDLister interface {
	IterateEventIDs(ctx context.Context, fn func(id string) error) error
}

// Submitter monta o corpo text/plain com um id por linha e o envia.
type Submitter struct {
	client  *transport.Client
	lister  IDLister
	origin  string
	apiKey  string
	repoURL string
	logger  *slog.Logger
}

// Config agrupa as dependências do Submitter.
type Config struct {
	Client  *transport.Client
	Lister  IDLister
	Origin  string
	APIKey  string
	RepoURL string
	Logger  *slog.Logger
}

// New cria o Submitter.
func New(cfg Config) *Submitter {
	return &Submitter{
		client:  cfg.Client,
		lister:  cfg.Lister,
		origin:  cfg.Origin,
		apiKey:  cfg.APIKey,
		repoURL: cfg.RepoURL,
		logger:  cfg.Logger,
	}
}

// Run coleta os ids e executa a submissão. Exige um repoURL configurado.
func (s *Submitter) Run(ctx context.Context) error {
	if s.repoURL == "" {
		return fmt.Errorf("submission requires a repository url")
	}

	var sb strings.Builder
	count := 0
	err := s.lister.IterateEventIDs(ctx, func(id string) error {
		if count > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(id)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("collecting event ids: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("no ingested events to submit")
	}

	u := fmt.Sprintf("%s/api/v1/submissions?github_repo=%s", s.origin, url.QueryEscape(s.repoURL))
	headers := map[string]string{
		"Content-Type": "text/plain",
		"X-API-Key":    s.apiKey,
	}

	s.logger.Info("submitting ingested ids", "count", count)
	resp, err := s.client.Post(ctx, u, []byte(sb.String()), headers)
	if err != nil {
		return fmt.Errorf("submission: %w", err)
	}
	s.logger.Info("submission accepted", "status", resp.Status, "body", string(resp.Body))
	return nil
}

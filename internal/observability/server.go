// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server embrulha o http.Server da superfície de observabilidade com
// partida e desligamento gracioso.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer cria o servidor escutando em todas as interfaces na porta dada.
func NewServer(port int, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start bloqueia servindo requisições até Shutdown ser chamado.
func (s *Server) Start() error {
	s.logger.Info("health server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown encerra o servidor aguardando conexões em andamento.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

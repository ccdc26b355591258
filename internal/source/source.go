// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/nishisan-dev/n-ingest/internal/ratelimit"
	"github.com/nishisan-dev/n-ingest/internal/transport"
)

// fallbackFeedPath é o path do feed primário usado quando as credenciais
// não trazem um endpoint próprio.
const fallbackFeedPath = "/events/d4ta/x7k9/feed"

// FetchQuery parametriza uma busca de página.
type FetchQuery struct {
	Limit  int
	Cursor string
	// Since/Until em ms; 0 = omitido. Aplicados só no caminho primário.
	Since int64
	Until int64
}

// Fetcher é a interface que os workers consomem.
type Fetcher interface {
	FetchPage(ctx context.Context, q FetchQuery) (*Page, error)
}

// EventsSource busca páginas de eventos: stream endpoint (primário) com
// fallback permanente para o endpoint documentado /events após falha de
// auth irrecuperável. O rate limiter compartilhado é consultado antes de
// cada request e alimentado pelos resultados.
type EventsSource struct {
	client  *transport.Client
	retrier *transport.Retrier
	limiter *ratelimit.Limiter
	creds   *CredentialManager

	origin     string
	apiBaseURL string
	apiKey     string
	logger     *slog.Logger

	// fallbackLatched é monotônico false→true: depois da decisão de
	// fallback o primário fica desabilitado pelo resto do processo.
	fallbackLatched atomic.Bool
}

// Config agrupa as dependências do EventsSource.
type Config struct {
	Client     *transport.Client
	Retrier    *transport.Retrier
	Limiter    *ratelimit.Limiter
	Creds      *CredentialManager
	Origin     string
	APIBaseURL string
	APIKey     string
	Logger     *slog.Logger
}

// New cria o EventsSource.
func New(cfg Config) *EventsSource {
	return &EventsSource{
		client:     cfg.Client,
		retrier:    cfg.Retrier,
		limiter:    cfg.Limiter,
		creds:      cfg.Creds,
		origin:     cfg.Origin,
		apiBaseURL: cfg.APIBaseURL,
		apiKey:     cfg.APIKey,
		logger:     cfg.Logger,
	}
}

// FetchPage busca e normaliza uma página de eventos.
func (s *EventsSource) FetchPage(ctx context.Context, q FetchQuery) (*Page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp *transport.Response
	var err error

	if !s.fallbackLatched.Load() {
		resp, err = s.fetchPrimary(ctx, q)
		if err != nil && isAuthError(err) {
			// Credenciais podem ter expirado no server: invalida e tenta
			// o primário mais uma vez com credenciais novas.
			s.creds.Invalidate()
			resp, err = s.fetchPrimary(ctx, q)
			if err != nil && isAuthError(err) {
				s.logger.Warn("primary stream path rejected twice, latching documented fallback")
				s.fallbackLatched.Store(true)
			}
		}
	}

	if s.fallbackLatched.Load() {
		resp, err = s.fetchFallback(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	s.limiter.UpdateFromHeaders(resp.Header)
	s.limiter.RecordSuccess()
	return NormalizePage(resp.Body), nil
}

// fetchPrimary monta a URL do stream a partir das credenciais e executa via
// retry. 429s alimentam o limiter a cada tentativa.
func (s *EventsSource) fetchPrimary(ctx context.Context, q FetchQuery) (*transport.Response, error) {
	sa, err := s.creds.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring stream credentials: %w", err)
	}

	endpoint := sa.Endpoint
	if endpoint == "" {
		endpoint = fallbackFeedPath
	}

	u := s.origin + endpoint + "?" + s.queryValues(q, true).Encode()
	headers := map[string]string{
		"X-API-Key":  s.apiKey,
		"Origin":     s.origin,
		"Referer":    s.origin + "/dashboard",
		"User-Agent": browserUserAgent,
	}
	if sa.TokenHeader != "" {
		headers[sa.TokenHeader] = sa.Token
	}

	return s.execute(ctx, "primary fetch", u, headers)
}

// fetchFallback usa o endpoint documentado /events com a API key.
func (s *EventsSource) fetchFallback(ctx context.Context, q FetchQuery) (*transport.Response, error) {
	u := s.apiBaseURL + "/events?" + s.queryValues(q, false).Encode()
	headers := map[string]string{"X-API-Key": s.apiKey}
	return s.execute(ctx, "fallback fetch", u, headers)
}

func (s *EventsSource) execute(ctx context.Context, op, u string, headers map[string]string) (*transport.Response, error) {
	return s.retrier.Do(ctx, op, func() (*transport.Response, error) {
		resp, err := s.client.Get(ctx, u, headers)
		if err != nil {
			var httpErr *transport.HTTPError
			if errors.As(err, &httpErr) && httpErr.Status == 429 {
				s.limiter.Record429()
			}
			return nil, err
		}
		return resp, nil
	})
}

func (s *EventsSource) queryValues(q FetchQuery, primary bool) url.Values {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if primary {
		if q.Since > 0 {
			v.Set("since", strconv.FormatInt(q.Since, 10))
		}
		if q.Until > 0 {
			v.Set("until", strconv.FormatInt(q.Until, 10))
		}
	}
	return v
}

// isAuthError reporta 401/403.
func isAuthError(err error) bool {
	var httpErr *transport.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Status == 401 || httpErr.Status == 403
}

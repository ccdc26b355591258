// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nishisan-dev/n-ingest/internal/transport"
)

// streamAccessPath é o endpoint interno de onde o dashboard obtém as
// credenciais de stream de curta duração.
const streamAccessPath = "/internal/dashboard/stream-access"

// refreshBuffer antecipa o refresh: credenciais são consideradas expiradas
// 60s antes do expiry declarado pelo server.
const refreshBuffer = 60 * time.Second

// browserUserAgent imita um browser real — o endpoint interno rejeita
// clients sem os headers típicos do dashboard.
const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// StreamAccess são as credenciais opacas do stream endpoint.
type StreamAccess struct {
	Endpoint    string `json:"endpoint"`
	TokenHeader string `json:"tokenHeader"`
	Token       string `json:"token"`
	ExpiresIn   int64  `json:"expiresIn"` // segundos
}

// CredentialManager obtém, cacheia e renova as credenciais de stream.
// Chamadores concorrentes que encontram o cache expirado compartilham um
// único refresh em voo (singleflight).
type CredentialManager struct {
	client *transport.Client
	origin string
	apiKey string
	logger *slog.Logger

	mu        sync.Mutex
	cached    *StreamAccess
	expiresAt time.Time

	group singleflight.Group

	// now é substituível em testes.
	now func() time.Time
}

// NewCredentialManager cria o manager. origin é scheme://host da API.
func NewCredentialManager(client *transport.Client, origin, apiKey string, logger *slog.Logger) *CredentialManager {
	return &CredentialManager{
		client: client,
		origin: origin,
		apiKey: apiKey,
		logger: logger,
		now:    time.Now,
	}
}

// Get retorna as credenciais cacheadas se ainda válidas; caso contrário
// dispara (ou aguarda) o refresh único em voo.
func (cm *CredentialManager) Get(ctx context.Context) (*StreamAccess, error) {
	cm.mu.Lock()
	if cm.cached != nil && cm.now().Before(cm.expiresAt) {
		sa := cm.cached
		cm.mu.Unlock()
		return sa, nil
	}
	cm.mu.Unlock()

	v, err, _ := cm.group.Do("refresh", func() (interface{}, error) {
		return cm.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StreamAccess), nil
}

// Invalidate descarta o cache. Chamado pelo source ao ver 401/403 no
// caminho primário.
func (cm *CredentialManager) Invalidate() {
	cm.mu.Lock()
	cm.cached = nil
	cm.expiresAt = time.Time{}
	cm.mu.Unlock()
}

// refresh obtém credenciais novas do endpoint interno do dashboard.
// A API key vai como cookie e como header, imitando o browser.
func (cm *CredentialManager) refresh(ctx context.Context) (*StreamAccess, error) {
	url := cm.origin + streamAccessPath
	headers := map[string]string{
		"Content-Type": "application/json",
		"Origin":       cm.origin,
		"Referer":      cm.origin + "/dashboard",
		"User-Agent":   browserUserAgent,
		"Cookie":       "dashboard_api_key=" + cm.apiKey,
		"X-API-Key":    cm.apiKey,
	}

	resp, err := cm.client.Post(ctx, url, []byte(`{}`), headers)
	if err != nil {
		return nil, fmt.Errorf("stream access request: %w", err)
	}

	var body struct {
		StreamAccess *StreamAccess `json:"streamAccess"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decoding stream access response: %w", err)
	}
	if body.StreamAccess == nil || body.StreamAccess.Token == "" {
		return nil, fmt.Errorf("stream access response missing token")
	}

	sa := body.StreamAccess
	ttl := time.Duration(sa.ExpiresIn) * time.Second
	expiresAt := cm.now().Add(ttl - refreshBuffer)
	if ttl <= refreshBuffer {
		// TTL curto demais para o buffer — usa metade do TTL
		expiresAt = cm.now().Add(ttl / 2)
	}

	cm.mu.Lock()
	cm.cached = sa
	cm.expiresAt = expiresAt
	cm.mu.Unlock()

	cm.logger.Debug("stream credentials refreshed",
		"endpoint", sa.Endpoint,
		"expiresIn", sa.ExpiresIn,
	)
	return sa, nil
}

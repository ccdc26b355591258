// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/ratelimit"
	"github.com/nishisan-dev/n-ingest/internal/transport"
)

// apiFixture simula a API: stream-access, stream endpoint e /events.
type apiFixture struct {
	srv *httptest.Server

	credHits     atomic.Int32
	primaryHits  atomic.Int32
	fallbackHits atomic.Int32

	// primaryStatus controla a resposta do stream endpoint (200 = página).
	primaryStatus atomic.Int32
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{}
	f.primaryStatus.Store(200)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+streamAccessPath, func(w http.ResponseWriter, r *http.Request) {
		f.credHits.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"streamAccess": map[string]interface{}{
				"endpoint":    "/stream/feed",
				"tokenHeader": "X-Stream-Token",
				"token":       "tok",
				"expiresIn":   300,
			},
		})
	})
	mux.HandleFunc("GET /stream/feed", func(w http.ResponseWriter, r *http.Request) {
		f.primaryHits.Add(1)
		status := int(f.primaryStatus.Load())
		if status != 200 {
			w.WriteHeader(status)
			return
		}
		if r.Header.Get("X-Stream-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "99")
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Write([]byte(`{"data": [{"id": "p1", "timestamp": 1768500000000}], "hasMore": false}`))
	})
	mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		f.fallbackHits.Add(1)
		w.Write([]byte(`{"data": [{"id": "f1", "timestamp": 1768400000000}], "hasMore": false}`))
	})

	f.srv = httptest.NewServer(mux)
	return f
}

func newTestSource(f *apiFixture) *EventsSource {
	logger := slog.New(slog.DiscardHandler)
	client := transport.NewClient(transport.ClientConfig{Timeout: 5 * time.Second})
	return New(Config{
		Client:     client,
		Retrier:    transport.NewRetrier(2, time.Millisecond, 10*time.Millisecond, logger),
		Limiter:    ratelimit.New(0, logger),
		Creds:      NewCredentialManager(client, f.srv.URL, "key-1", logger),
		Origin:     f.srv.URL,
		APIBaseURL: f.srv.URL + "/api/v1",
		APIKey:     "key-1",
		Logger:     logger,
	})
}

func TestEventsSource_PrimaryPath(t *testing.T) {
	f := newAPIFixture()
	defer f.srv.Close()

	s := newTestSource(f)
	page, err := s.FetchPage(context.Background(), FetchQuery{Limit: 100})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ID != "p1" {
		t.Errorf("page = %+v", page)
	}
	if f.fallbackHits.Load() != 0 {
		t.Errorf("fallback hit unexpectedly")
	}

	// Headers de rate limit absorvidos
	if snap := s.limiter.Snapshot(); snap.Remaining != 99 || snap.Limit != 100 {
		t.Errorf("limiter snapshot = %+v", snap)
	}
}

func TestEventsSource_AuthFailureLatchesFallback(t *testing.T) {
	f := newAPIFixture()
	defer f.srv.Close()

	f.primaryStatus.Store(403)

	s := newTestSource(f)
	page, err := s.FetchPage(context.Background(), FetchQuery{Limit: 100})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ID != "f1" {
		t.Errorf("expected fallback page, got %+v", page)
	}

	// O 403 invalida credenciais e tenta o primário exatamente mais uma vez
	if f.credHits.Load() != 2 {
		t.Errorf("credHits = %d, expected refresh after invalidate", f.credHits.Load())
	}
	if !s.fallbackLatched.Load() {
		t.Error("fallback must be latched")
	}

	// Próximas páginas vão direto ao fallback mesmo com o primário saudável
	f.primaryStatus.Store(200)
	primaryBefore := f.primaryHits.Load()
	if _, err := s.FetchPage(context.Background(), FetchQuery{Limit: 100}); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if f.primaryHits.Load() != primaryBefore {
		t.Error("primary must stay disabled after latch")
	}
	if f.fallbackHits.Load() != 2 {
		t.Errorf("fallbackHits = %d", f.fallbackHits.Load())
	}
}

func TestEventsSource_429FeedsLimiter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == streamAccessPath {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"streamAccess": map[string]interface{}{
					"endpoint": "/stream/feed", "tokenHeader": "X-T", "token": "t", "expiresIn": 300,
				},
			})
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	logger := slog.New(slog.DiscardHandler)
	client := transport.NewClient(transport.ClientConfig{Timeout: 5 * time.Second})
	limiter := ratelimit.New(0, logger)
	s := New(Config{
		Client:     client,
		Retrier:    transport.NewRetrier(2, time.Millisecond, 5*time.Millisecond, logger),
		Limiter:    limiter,
		Creds:      NewCredentialManager(client, srv.URL, "k", logger),
		Origin:     srv.URL,
		APIBaseURL: srv.URL + "/api/v1",
		APIKey:     "k",
		Logger:     logger,
	})

	_, err := s.FetchPage(context.Background(), FetchQuery{Limit: 10})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if limiter.Snapshot().Consecutive429s == 0 {
		t.Error("429 must be recorded with the limiter")
	}
}

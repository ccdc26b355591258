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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/transport"
)

func newCredServer(t *testing.T, hits *atomic.Int32, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != streamAccessPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "key-1" {
			t.Errorf("missing X-API-Key header")
		}
		if c, err := r.Cookie("dashboard_api_key"); err != nil || c.Value != "key-1" {
			t.Errorf("missing dashboard_api_key cookie")
		}
		if r.Header.Get("User-Agent") == "" || r.Header.Get("Origin") == "" {
			t.Errorf("browser headers missing")
		}
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"streamAccess": map[string]interface{}{
				"endpoint":    "/stream/feed",
				"tokenHeader": "X-Stream-Token",
				"token":       "tok-123",
				"expiresIn":   expiresIn,
			},
		})
	}))
}

func newCredManager(srv *httptest.Server) *CredentialManager {
	client := transport.NewClient(transport.ClientConfig{Timeout: 5 * time.Second})
	return NewCredentialManager(client, srv.URL, "key-1", slog.New(slog.DiscardHandler))
}

func TestCredentialManager_CachesUntilExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := newCredServer(t, &hits, 300)
	defer srv.Close()

	cm := newCredManager(srv)
	clock := time.Unix(1768000000, 0)
	cm.now = func() time.Time { return clock }

	sa, err := cm.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sa.Token != "tok-123" || sa.TokenHeader != "X-Stream-Token" {
		t.Errorf("sa = %+v", sa)
	}

	// Segunda chamada dentro da validade: sem novo POST
	if _, err := cm.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, expected cached", hits.Load())
	}

	// 300s de TTL com buffer de 60s: expira em now+240s
	clock = clock.Add(241 * time.Second)
	if _, err := cm.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, expected eager refresh", hits.Load())
	}
}

func TestCredentialManager_Invalidate(t *testing.T) {
	var hits atomic.Int32
	srv := newCredServer(t, &hits, 300)
	defer srv.Close()

	cm := newCredManager(srv)
	if _, err := cm.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	cm.Invalidate()
	if _, err := cm.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, expected refetch after Invalidate", hits.Load())
	}
}

func TestCredentialManager_ConcurrentCallersShareRefresh(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(map[string]interface{}{
			"streamAccess": map[string]interface{}{
				"endpoint": "/s", "tokenHeader": "X-T", "token": "t", "expiresIn": 300,
			},
		})
	}))
	defer srv.Close()

	cm := newCredManager(srv)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cm.Get(context.Background()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}

	// Dá tempo para todos os callers empilharem no singleflight
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("hits = %d, expected single in-flight refresh", hits.Load())
	}
}

func TestCredentialManager_MissingTokenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"streamAccess": {"endpoint": "/s"}}`))
	}))
	defer srv.Close()

	cm := newCredManager(srv)
	if _, err := cm.Get(context.Background()); err == nil {
		t.Error("expected error for response without token")
	}
}

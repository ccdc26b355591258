// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func TestClient_GetPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip, deflate" {
			t.Errorf("Accept-Encoding = %q", r.Header.Get("Accept-Encoding"))
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("custom header lost")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: 5 * time.Second, PoolWidth: 4})
	resp, err := c.Get(context.Background(), srv.URL, map[string]string{"X-API-Key": "k"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.Body)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestClient_GzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"data":[]}`))
		gz.Close()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != `{"data":[]}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestClient_Non2xxBecomesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	_, err := c.Get(context.Background(), srv.URL, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Status != 429 {
		t.Errorf("status = %d", httpErr.Status)
	}
	if httpErr.Method != http.MethodGet {
		t.Errorf("method = %q", httpErr.Method)
	}
	if httpErr.RetryAfter != "3" {
		t.Errorf("retryAfter = %q", httpErr.RetryAfter)
	}
}

func TestClient_NetworkErrorIsStatusZero(t *testing.T) {
	c := NewClient(ClientConfig{Timeout: time.Second})
	// Porta inválida: connection refused
	_, err := c.Get(context.Background(), "http://127.0.0.1:1/x", nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T", err)
	}
	if httpErr.Status != 0 {
		t.Errorf("status = %d, expected 0", httpErr.Status)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Timeout: 50 * time.Millisecond})
	_, err := c.Get(context.Background(), srv.URL, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 0 {
		t.Fatalf("timeout must surface as HTTPError{status=0}, got %v", err)
	}
}

func TestClient_Post(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.Post(context.Background(), srv.URL, []byte(`{}`), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d", resp.Status)
	}
}

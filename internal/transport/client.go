// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// maxResponseBytes limita o corpo lido de uma resposta (64MB). Uma página de
// 5000 eventos fica muito abaixo disso; o limite protege contra respostas
// patológicas do server.
const maxResponseBytes = 64 * 1024 * 1024

// HTTPError representa uma resposta non-2xx ou uma falha de rede.
// Status == 0 indica erro de transporte (timeout, DNS, reset, abort).
type HTTPError struct {
	Status int
	Method string
	URL    string
	Body   string

	// RetryAfter carrega o valor bruto do header Retry-After, quando presente.
	RetryAfter string
}

// Error implementa error.
func (e *HTTPError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: network error", e.Method, e.URL)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
}

// Response é o resultado bruto de uma request bem-sucedida (2xx).
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

/// Client é o transporte HTTP do ningest: keep-alive, descompressão manual
// gzip/deflate e timeout por request. Erros non-2xx viram *HTTPError.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// ClientConfig contém os parâmetros do transporte.
type ClientConfig struct {
	// Timeout por request (default 45s).
	Timeout time.Duration
	// PoolWidth dimensiona o pool de conexões keep-alive.
	// Deve ser >= partições+4 para os workers não disputarem sockets.
	PoolWidth int
}

// NewClient cria o transporte com pool de conexões dimensionado.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.PoolWidth < 4 {
		cfg.PoolWidth = 4
	}

	tr := &http.Transport{
		MaxIdleConns:        cfg.PoolWidth,
		MaxIdleConnsPerHost: cfg.PoolWidth,
		MaxConnsPerHost:     0,
		IdleConnTimeout:     90 * time.Second,
		// Descompressão manual: Accept-Encoding explícito + decode abaixo.
		DisableCompression: true,
	}

	return &Client{
		httpClient: &http.Client{Transport: tr},
		timeout:    cfg.Timeout,
	}
}

// Get executa um GET com os headers fornecidos.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, headers)
}

// Post executa um POST com corpo e headers fornecidos.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, body, headers)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept-Encoding", "gzip, deflate")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeout, DNS, reset, contexto cancelado: status 0
		return nil, &HTTPError{Status: 0, Method: method, URL: url}
	}
	defer resp.Body.Close()

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, &HTTPError{Status: 0, Method: method, URL: url}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Method:     method,
			URL:        url,
			Body:       truncate(string(decoded), 512),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   decoded,
	}, nil
}

// decodeBody lê o corpo aplicando a descompressão indicada em Content-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxResponseBytes)

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(r)
		defer fl.Close()
		r = fl
	}

	return io.ReadAll(r)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CloseIdleConnections fecha os sockets keep-alive ociosos (shutdown).
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Retrier executa operações HTTP com retry e backoff exponencial.
// Elegíveis para retry: 429, 5xx e falhas de rede (status 0).
// Qualquer outro 4xx é fatal para a chamada.
type Retrier struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Logger      *slog.Logger

	// sleep é substituível em testes.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier cria um Retrier com os parâmetros dados (defaults de operação:
// 8 tentativas, base 250ms, teto 15s).
func NewRetrier(maxAttempts int, base, max time.Duration, logger *slog.Logger) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 15 * time.Second
	}
	return &Retrier{
		MaxAttempts: maxAttempts,
		Base:        base,
		Max:         max,
		Logger:      logger,
		sleep:       sleepCtx,
	}
}

// Do executa fn até sucesso, erro fatal ou esgotar as tentativas.
// O último erro é retornado quando as tentativas acabam.
func (r *Retrier) Do(ctx context.Context, op string, fn func() (*Response, error)) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !Retryable(httpErr.Status) {
			return nil, err
		}
		if attempt == r.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt, httpErr)
		r.Logger.Warn("retrying request",
			"op", op,
			"attempt", attempt,
			"status", httpErr.Status,
			"delay", delay,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Retryable reporta se um status HTTP é elegível para retry.
func Retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// delayFor calcula o delay da tentativa k (1-indexed): base·2^(k−1), com
// jitter multiplicativo de 30% para 5xx/rede, clampado ao teto. Um 429 com
// Retry-After válido usa o maior entre o header e o backoff.
func (r *Retrier) delayFor(attempt int, httpErr *HTTPError) time.Duration {
	delay := r.Base << (attempt - 1)
	if delay > r.Max || delay <= 0 {
		delay = r.Max
	}

	if httpErr.Status == http.StatusTooManyRequests {
		if ra, ok := ParseRetryAfter(httpErr.RetryAfter); ok && ra > delay {
			delay = ra
		}
		if delay > r.Max {
			delay = r.Max
		}
		return delay
	}

	// 5xx e rede: jitter de até +30%
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	delay += jitter
	if delay > r.Max {
		delay = r.Max
	}
	return delay
}

// ParseRetryAfter interpreta o header Retry-After: delta em segundos quando
// inteiro > 0, senão HTTP-date com delta futuro positivo, senão none.
func ParseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
		return 0, false
	}

	if t, err := http.ParseTime(value); err == nil {
		delta := time.Until(t)
		if delta > 0 {
			return delta, true
		}
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

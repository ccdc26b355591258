// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limites do delay adaptativo em ms.
const (
	adaptiveFloorMs = 1000
	adaptiveCeilMs  = 8000
	adaptiveSnapMs  = 100
)

// dedupWindow coalesce uma rajada de 429s vinda de vários workers: apenas o
// primeiro dentro da janela aumenta o delay adaptativo.
const dedupWindow = 2 * time.Second

// resetEpochThreshold distingue X-RateLimit-Reset em epoch seconds de delta
// seconds: valores acima de 1e9 só fazem sentido como epoch.
const resetEpochThreshold = int64(1e9)

// State é o snapshot observável do limiter (para métricas e debug).
type State struct {
	Remaining       int64
	Limit           int64
	ResetAtMs       int64
	AdaptiveDelayMs float64
	Consecutive429s int
}

// Limiter coordena todos os fetchers concorrentes contra a quota
// compartilhada do server. O estado mutável fica sob um único mutex; as
// seções críticas são O(1). Um teto local opcional de requests/segundo
// (token bucket) é aplicado antes do delay derivado de headers.
type Limiter struct {
	mu sync.Mutex

	remaining int64 // -1 = desconhecido
	limit     int64
	resetAtMs int64

	adaptiveDelayMs float64
	consecutive429s int
	last429At       time.Time

	rps    *rate.Limiter // nil = sem teto local
	logger *slog.Logger

	// now é substituível em testes.
	now func() time.Time
}

// New cria o limiter compartilhado. maxRPS <= 0 desabilita o teto local.
func New(maxRPS float64, logger *slog.Logger) *Limiter {
	l := &Limiter{
		remaining: -1,
		limit:     -1,
		logger:    logger,
		now:       time.Now,
	}
	if maxRPS > 0 {
		burst := int(maxRPS)
		if burst < 1 {
			burst = 1
		}
		l.rps = rate.NewLimiter(rate.Limit(maxRPS), burst)
	}
	return l
}

// PreDelay retorna o delay a aplicar antes da próxima request:
// max(espera derivada dos headers, delay adaptativo).
func (l *Limiter) PreDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now().UnixMilli()

	var headerWait time.Duration
	if l.remaining >= 0 && l.remaining <= 1 && l.resetAtMs > nowMs {
		headerWait = time.Duration(l.resetAtMs-nowMs+100) * time.Millisecond
	}

	adaptive := time.Duration(l.adaptiveDelayMs) * time.Millisecond
	if headerWait > adaptive {
		return headerWait
	}
	return adaptive
}

// Wait aplica o teto local de RPS (se houver) e dorme o PreDelay.
// Chamado pelo events source antes de cada request.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.rps != nil {
		if err := l.rps.Wait(ctx); err != nil {
			return err
		}
	}

	delay := l.PreDelay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// UpdateFromHeaders absorve os headers de rate limit de uma resposta.
// X-RateLimit-Reset acima de 1e9 é tratado como epoch seconds; abaixo,
// como delta em segundos a partir de agora.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	remaining, okRem := headerInt(h, "X-RateLimit-Remaining")
	limit, okLim := headerInt(h, "X-RateLimit-Limit")
	reset, okReset := headerInt(h, "X-RateLimit-Reset")

	l.mu.Lock()
	defer l.mu.Unlock()

	if okRem {
		l.remaining = remaining
	}
	if okLim {
		l.limit = limit
	}
	if okReset {
		if reset > resetEpochThreshold {
			l.resetAtMs = reset * 1000
		} else {
			l.resetAtMs = l.now().UnixMilli() + reset*1000
		}
	}
}

// Record429 registra um rate limit do server. Rajadas dentro da janela de
// dedup contam uma vez só; o primeiro 429 multiplica o delay adaptativo por
// 1.3 (piso 1s, teto 8s).
func (l *Limiter) Record429() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.last429At.IsZero() && now.Sub(l.last429At) < dedupWindow {
		return
	}
	l.last429At = now
	l.consecutive429s++

	next := l.adaptiveDelayMs * 1.3
	if next < adaptiveFloorMs {
		next = adaptiveFloorMs
	}
	if next > adaptiveCeilMs {
		next = adaptiveCeilMs
	}
	l.adaptiveDelayMs = next

	l.logger.Warn("rate limited by server",
		"adaptiveDelayMs", l.adaptiveDelayMs,
		"consecutive429s", l.consecutive429s,
	)
}

// RecordSuccess decai o delay adaptativo pela metade (snap para 0 abaixo de
// 100ms) e zera o contador de 429s consecutivos.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.adaptiveDelayMs *= 0.5
	if l.adaptiveDelayMs < adaptiveSnapMs {
		l.adaptiveDelayMs = 0
	}
	l.consecutive429s = 0
}

// Snapshot retorna uma cópia do estado atual.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Remaining:       l.remaining,
		Limit:           l.limit,
		ResetAtMs:       l.resetAtMs,
		AdaptiveDelayMs: l.adaptiveDelayMs,
		Consecutive429s: l.consecutive429s,
	}
}

func headerInt(h http.Header, name string) (int64, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

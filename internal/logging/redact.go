// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"log/slog"
	"strings"
)

// redactedValue substitui qualquer valor sensível no output de log.
const redactedValue = "[REDACTED]"

// sensitiveKeys são as chaves (case-insensitive, match por substring) cujos
// valores são mascarados antes de chegar ao handler real.
var sensitiveKeys = []string{
	"apikey",
	"api_key",
	"token",
	"cookie",
	"authorization",
	"secret",
	"password",
}

// RedactHandler é um slog.Handler que mascara valores de atributos sensíveis
// antes de delegar ao handler interno. Grupos são percorridos recursivamente.
type RedactHandler struct {
	inner slog.Handler
}

// NewRedactHandler envolve um handler com redação de credenciais.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{inner: inner}
}

// Enabled implementa slog.Handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implementa slog.Handler, reescrevendo atributos sensíveis do record.
func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implementa slog.Handler.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(redacted)}
}

// WithGroup implementa slog.Handler.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name)}
}

// redactAttr mascara o valor se a chave for sensível. Atributos de grupo
// têm seus membros processados recursivamente.
func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		redacted := make([]slog.Attr, len(members))
		for i, m := range members {
			redacted[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	}

	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

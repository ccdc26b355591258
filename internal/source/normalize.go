// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// msThreshold separa segundos de milissegundos em timestamps numéricos:
// valores abaixo de 1e12 só fazem sentido como segundos desde epoch.
const msThreshold = int64(1e12)

// pagination é o sub-objeto de paginação que o server emite em ambos os shapes.
type pagination struct {
	HasMore    *bool   `json:"hasMore"`
	NextCursor *string `json:"nextCursor"`
}

// pageMeta carrega os totais informativos da página.
type pageMeta struct {
	Total    *int64 `json:"total"`
	Returned int64  `json:"returned"`
}

// envelope cobre os dois shapes de resposta: flat ({data: [...], hasMore,
// nextCursor, ...}) e nested ({data: {data: [...], pagination, meta}}).
// Data fica como RawMessage até sabermos se é array (flat) ou objeto (nested).
type envelope struct {
	Data       json.RawMessage `json:"data"`
	HasMore    *bool           `json:"hasMore"`
	NextCursor *string         `json:"nextCursor"`
	Pagination *pagination     `json:"pagination"`
	Meta       *pageMeta       `json:"meta"`
}

// emptyPage é a forma canônica para qualquer input não reconhecido.
func emptyPage() *Page {
	return &Page{Events: []Event{}, HasMore: false, NextCursor: "", Total: -1}
}

// NormalizePage converte o corpo bruto de uma resposta em uma Page canônica.
// Shape irreconhecível vira página vazia; nunca retorna erro.
func NormalizePage(body []byte) *Page {
	var outer envelope
	if err := json.Unmarshal(body, &outer); err != nil {
		return emptyPage()
	}
	if len(outer.Data) == 0 {
		return emptyPage()
	}

	// Nested: data é um objeto contendo outro envelope
	if bytes.HasPrefix(bytes.TrimLeft(outer.Data, " \t\r\n"), []byte("{")) {
		var inner envelope
		if err := json.Unmarshal(outer.Data, &inner); err != nil {
			return emptyPage()
		}
		return buildPage(inner.Data, &inner)
	}

	return buildPage(outer.Data, &outer)
}

// buildPage monta a Page a partir da lista crua de eventos e do envelope que
// carrega os campos de paginação (direto ou via sub-objeto pagination).
func buildPage(rawList json.RawMessage, env *envelope) *Page {
	var items []json.RawMessage
	if err := json.Unmarshal(rawList, &items); err != nil {
		return emptyPage()
	}

	page := emptyPage()
	for _, item := range items {
		if ev, ok := normalizeEvent(item); ok {
			page.Events = append(page.Events, ev)
		}
	}

	if env.HasMore != nil {
		page.HasMore = *env.HasMore
	} else if env.Pagination != nil && env.Pagination.HasMore != nil {
		page.HasMore = *env.Pagination.HasMore
	}

	if env.NextCursor != nil {
		page.NextCursor = *env.NextCursor
	} else if env.Pagination != nil && env.Pagination.NextCursor != nil {
		page.NextCursor = *env.Pagination.NextCursor
	}

	if env.Meta != nil && env.Meta.Total != nil {
		page.Total = *env.Meta.Total
	}
	return page
}

// rawEvent sonda apenas os campos necessários para normalizar; o item
// completo é preservado como payload.
type rawEvent struct {
	ID        interface{} `json:"id"`
	Timestamp interface{} `json:"timestamp"`
	Ts        interface{} `json:"ts"`
	CreatedAt interface{} `json:"createdAt"`
}

// normalizeEvent extrai id e timestamp de um item. Itens sem id string ou
// sem timestamp interpretável são descartados silenciosamente — um registro
// inválido nunca aborta a página.
func normalizeEvent(item json.RawMessage) (Event, bool) {
	var probe rawEvent
	if err := json.Unmarshal(item, &probe); err != nil {
		return Event{}, false
	}

	id, ok := probe.ID.(string)
	if !ok || id == "" {
		return Event{}, false
	}

	for _, candidate := range []interface{}{probe.Timestamp, probe.Ts, probe.CreatedAt} {
		if candidate == nil {
			continue
		}
		if ts, ok := NormalizeTimestamp(candidate); ok {
			return Event{ID: id, TimestampMs: ts, Payload: item}, true
		}
	}
	return Event{}, false
}

// NormalizeTimestamp converte qualquer representação aceita de timestamp
// para ms desde epoch: número (segundos abaixo de 1e12, ms acima), string
// numérica com a mesma regra, ou string ISO-8601.
func NormalizeTimestamp(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return numericToMs(int64(t))
	case int64:
		return numericToMs(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return numericToMs(n)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if isDigits(s) {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return 0, false
			}
			return numericToMs(n)
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	default:
		return 0, false
	}
}

func numericToMs(n int64) (int64, bool) {
	if n <= 0 {
		return 0, false
	}
	if n < msThreshold {
		return n * 1000, true
	}
	return n, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

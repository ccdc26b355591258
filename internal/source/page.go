// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import "encoding/json"

// Event é um evento já normalizado: id único, timestamp em ms desde epoch e
// o registro original preservado verbatim como payload JSON.
type Event struct {
	ID          string
	TimestampMs int64
	Payload     json.RawMessage
}

// Page é a forma canônica de uma página do server, independente do envelope
// (flat ou nested) que a resposta usou. Eventos vêm ordenados do mais novo
// para o mais antigo.
type Page struct {
	Events     []Event
	HasMore    bool
	NextCursor string
	// Total reportado pelo server; -1 quando desconhecido.
	Total int64
}

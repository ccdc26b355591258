// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cursor

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// cursorVersion é o literal de versão do protocolo embutido em cada cursor.
const cursorVersion = 2

// cursorExpiry é um timestamp ms muito distante no futuro (2100-01-01T00:00:00Z).
// O server só valida exp > now, então qualquer valor futuro serve.
const cursorExpiry = int64(4102444800000)

// payload é o JSON decodificado de um cursor opaco do server.
// O único campo semanticamente relevante é Ts: o server resolve a posição
// de paginação puramente pelo timestamp.
type payload struct {
	ID  string `json:"id"`
	Ts  int64  `json:"ts"`
	V   int    `json:"v"`
	Exp int64  `json:"exp"`
}

// Forge sintetiza um cursor válido apontando para o timestamp tsMs.
// O ID é o UUID nulo — o server ignora esse campo na resolução de posição.
func Forge(tsMs int64) string {
	raw, _ := json.Marshal(payload{
		ID:  uuid.Nil.String(),
		Ts:  tsMs,
		V:   cursorVersion,
		Exp: cursorExpiry,
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeTs extrai o timestamp de um cursor. Retorna (0, false) em qualquer
// falha de parse — cursores malformados nunca geram erro, apenas "none".
func DecodeTs(c string) (int64, bool) {
	if c == "" {
		return 0, false
	}
	// Server pode emitir base64 padded e/ou com alfabeto standard
	c = strings.TrimRight(c, "=")
	c = strings.ReplaceAll(c, "+", "-")
	c = strings.ReplaceAll(c, "/", "_")

	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, false
	}
	if p.Ts <= 0 {
		return 0, false
	}
	return p.Ts, true
}

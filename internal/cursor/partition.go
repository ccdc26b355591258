// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cursor

// Chunk é um intervalo de timestamps semi-aberto [StartTs, EndTs) atribuído
// a um worker. A união dos N chunks cobre [tsMin, tsMax] sem sobreposição.
type Chunk struct {
	StartTs int64
	EndTs   int64
}

// Contains reporta se ts pertence ao chunk (start inclusivo, end exclusivo).
func (c Chunk) Contains(ts int64) bool {
	return ts >= c.StartTs && ts < c.EndTs
}

// Partition divide [tsMin, tsMax] em n chunks contíguos de largura uniforme.
// O chunk final tem EndTs = tsMax+1 para capturar eventos exatamente em tsMax.
// Para n <= 1 retorna um único chunk [tsMin, tsMax+1).
func Partition(tsMin, tsMax int64, n int) []Chunk {
	if n <= 1 {
		return []Chunk{{StartTs: tsMin, EndTs: tsMax + 1}}
	}

	width := float64(tsMax-tsMin) / float64(n)
	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		start := tsMin + int64(width*float64(i))
		end := tsMin + int64(width*float64(i+1))
		if i == n-1 {
			end = tsMax + 1
		}
		chunks[i] = Chunk{StartTs: start, EndTs: end}
	}
	return chunks
}

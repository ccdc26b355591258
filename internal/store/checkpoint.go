// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

// Status de um worker checkpoint. COMPLETED e FAILED são terminais dentro
// de uma run.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Checkpoint é o registro durável do progresso de um worker. Criado uma vez
// no startup e mutado apenas em commits transacionais junto com o batch que
// descreve.
type Checkpoint struct {
	WorkerID     int
	ChunkStartTs int64
	ChunkEndTs   int64

	// Cursor e LastTs são nil até a primeira página processada.
	Cursor *string
	LastTs *int64

	FetchedCount  int64
	InsertedCount int64
	Status        string
}

// Done reporta se o checkpoint está em estado terminal de sucesso.
func (c *Checkpoint) Done() bool {
	return c.Status == StatusCompleted
}

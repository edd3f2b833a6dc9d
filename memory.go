package refactd

import "context"

// ScoredMemoryRecord pairs a MemoryRecord with its similarity score against a
// query embedding.
type ScoredMemoryRecord struct {
	Record MemoryRecord
	Score  float64
}

// KnowledgeStore persists MemoryRecord entries — both user-authored memos
// and ones auto-distilled from trajectories — and makes them searchable by
// vector similarity.
type KnowledgeStore interface {
	UpsertRecord(ctx context.Context, rec MemoryRecord, embedding []float32) error
	SearchRecords(ctx context.Context, embedding []float32, topK int) ([]ScoredMemoryRecord, error)
	Init(ctx context.Context) error
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/relayforge/refactd"
	_ "modernc.org/sqlite"
)

// KnowledgeStore implements refactd.KnowledgeStore backed by pure-Go SQLite
// with brute-force cosine similarity over MemoryRecord entries.
type KnowledgeStore struct {
	dbPath string
}

var _ refactd.KnowledgeStore = (*KnowledgeStore)(nil)

// NewKnowledgeStore creates a knowledge-memo store using a local SQLite file.
func NewKnowledgeStore(dbPath string) *KnowledgeStore {
	return &KnowledgeStore{dbPath: dbPath}
}

func (s *KnowledgeStore) openDB() (*sql.DB, error) {
	return sql.Open("sqlite", s.dbPath)
}

func (s *KnowledgeStore) Init(ctx context.Context) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		tags TEXT,
		source TEXT NOT NULL,
		body TEXT NOT NULL,
		embedding TEXT,
		created_at INTEGER NOT NULL
	)`)
	return err
}

func (s *KnowledgeStore) UpsertRecord(ctx context.Context, rec refactd.MemoryRecord, embedding []float32) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if rec.ID == "" {
		rec.ID = refactd.NewID()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO memory_records (id, title, tags, source, body, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, tags=excluded.tags,
		   source=excluded.source, body=excluded.body, embedding=excluded.embedding`,
		rec.ID, rec.Title, strings.Join(rec.Tags, ","), rec.Source, rec.Body,
		serializeEmbedding(embedding), rec.Created.Unix())
	return err
}

func (s *KnowledgeStore) SearchRecords(ctx context.Context, embedding []float32, topK int) ([]refactd.ScoredMemoryRecord, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT id, title, tags, source, body, embedding, created_at FROM memory_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []refactd.ScoredMemoryRecord
	for rows.Next() {
		var rec refactd.MemoryRecord
		var tags, embText string
		var createdUnix int64
		if err := rows.Scan(&rec.ID, &rec.Title, &tags, &rec.Source, &rec.Body, &embText, &createdUnix); err != nil {
			continue
		}
		if tags != "" {
			rec.Tags = strings.Split(tags, ",")
		}
		rec.Created = time.Unix(createdUnix, 0).UTC()
		emb := deserializeEmbedding(embText)
		score := float32(0)
		if len(emb) > 0 && len(embedding) > 0 {
			score = cosineSimilarity(embedding, emb)
		}
		all = append(all, refactd.ScoredMemoryRecord{Record: rec, Score: float64(score)})
	}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].Score > all[i].Score {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	return all, nil
}

// SearchRecordsKeyword performs a case-insensitive term search over title,
// tags, and body, ranked by how many query terms a record matches. It
// implements the optional refactd.KeywordSearcher capability the hybrid
// retriever discovers by type assertion.
func (s *KnowledgeStore) SearchRecordsKeyword(ctx context.Context, query string, topK int) ([]refactd.ScoredMemoryRecord, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT id, title, tags, source, body, created_at FROM memory_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []refactd.ScoredMemoryRecord
	for rows.Next() {
		var rec refactd.MemoryRecord
		var tags string
		var createdUnix int64
		if err := rows.Scan(&rec.ID, &rec.Title, &tags, &rec.Source, &rec.Body, &createdUnix); err != nil {
			continue
		}
		haystack := strings.ToLower(rec.Title + " " + tags + " " + rec.Body)
		matched := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		if tags != "" {
			rec.Tags = strings.Split(tags, ",")
		}
		rec.Created = time.Unix(createdUnix, 0).UTC()
		all = append(all, refactd.ScoredMemoryRecord{Record: rec, Score: float64(matched) / float64(len(terms))})
	}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].Score > all[i].Score {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	return all, rows.Err()
}

func serializeEmbedding(emb []float32) string {
	if len(emb) == 0 {
		return ""
	}
	parts := make([]string, len(emb))
	for i, v := range emb {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	emb := make([]float32, 0, len(parts))
	for _, p := range parts {
		var v float32
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err == nil {
			emb = append(emb, v)
		}
	}
	return emb
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

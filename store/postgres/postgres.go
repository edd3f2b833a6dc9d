// Package postgres implements refactd.KnowledgeStore using PostgreSQL with
// pgvector for native vector similarity search and tsvector for full-text
// keyword search over knowledge memos.
//
// KnowledgeStore accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayforge/refactd"
)

// KnowledgeStore implements refactd.KnowledgeStore backed by PostgreSQL
// with pgvector. Vector search uses an HNSW index with cosine distance.
type KnowledgeStore struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL KnowledgeStore.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ refactd.KnowledgeStore = (*KnowledgeStore)(nil)
var _ refactd.KeywordSearcher = (*KnowledgeStore)(nil)

// New creates a KnowledgeStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *KnowledgeStore {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &KnowledgeStore{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *KnowledgeStore) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *KnowledgeStore) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, the memo table, and its indexes.
// Safe to call multiple times (all statements are idempotent). The HNSW
// index needs a fixed dimension; without WithEmbeddingDimension the table
// still works, searches just run unindexed.
func (s *KnowledgeStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			tags TEXT,
			source TEXT NOT NULL,
			body TEXT NOT NULL,
			embedding %s,
			created_at BIGINT NOT NULL
		)`, s.vectorType()),
		`CREATE INDEX IF NOT EXISTS memory_records_fts_idx ON memory_records
		 USING gin(to_tsvector('english', title || ' ' || body))`,
	}
	if s.cfg.embeddingDimension > 0 {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS memory_records_embedding_idx ON memory_records
			 USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWithClause()))
	}
	if s.cfg.hnswEFSearch > 0 {
		stmts = append(stmts, fmt.Sprintf(`SET hnsw.ef_search = %d`, s.cfg.hnswEFSearch))
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init knowledge store: %w", err)
		}
	}
	return nil
}

// UpsertRecord inserts or replaces a memo and its embedding.
func (s *KnowledgeStore) UpsertRecord(ctx context.Context, rec refactd.MemoryRecord, embedding []float32) error {
	if rec.ID == "" {
		rec.ID = refactd.NewID()
	}
	var emb any
	if len(embedding) > 0 {
		emb = serializeEmbedding(embedding)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_records (id, title, tags, source, body, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, tags = EXCLUDED.tags,
		   source = EXCLUDED.source, body = EXCLUDED.body, embedding = EXCLUDED.embedding`,
		rec.ID, rec.Title, strings.Join(rec.Tags, ","), rec.Source, rec.Body, emb, rec.Created.Unix())
	if err != nil {
		return fmt.Errorf("upsert memory record: %w", err)
	}
	return nil
}

// SearchRecords performs cosine similarity search over memo embeddings.
// Results are sorted by Score descending; score is 1 - cosine distance.
func (s *KnowledgeStore) SearchRecords(ctx context.Context, embedding []float32, topK int) ([]refactd.ScoredMemoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, tags, source, body, created_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM memory_records
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		serializeEmbedding(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("search memory records: %w", err)
	}
	defer rows.Close()
	return scanScoredRecords(rows.Next, rows.Scan, rows.Err)
}

// SearchRecordsKeyword performs full-text search over memo title and body
// using PostgreSQL tsvector/tsquery with a GIN index. It implements the
// optional refactd.KeywordSearcher capability.
func (s *KnowledgeStore) SearchRecordsKeyword(ctx context.Context, query string, topK int) ([]refactd.ScoredMemoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, tags, source, body, created_at,
		        ts_rank(to_tsvector('english', title || ' ' || body), plainto_tsquery('english', $1)) AS score
		 FROM memory_records
		 WHERE to_tsvector('english', title || ' ' || body) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search memory records: %w", err)
	}
	defer rows.Close()
	return scanScoredRecords(rows.Next, rows.Scan, rows.Err)
}

func scanScoredRecords(next func() bool, scan func(...any) error, rowsErr func() error) ([]refactd.ScoredMemoryRecord, error) {
	var out []refactd.ScoredMemoryRecord
	for next() {
		var rec refactd.MemoryRecord
		var tags string
		var createdUnix int64
		var score float64
		if err := scan(&rec.ID, &rec.Title, &tags, &rec.Source, &rec.Body, &createdUnix, &score); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if tags != "" {
			rec.Tags = strings.Split(tags, ",")
		}
		rec.Created = time.Unix(createdUnix, 0).UTC()
		out = append(out, refactd.ScoredMemoryRecord{Record: rec, Score: score})
	}
	return out, rowsErr()
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

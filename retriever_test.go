package refactd

import (
	"context"
	"testing"
	"time"
)

func memo(id, title, body string) ScoredMemoryRecord {
	return ScoredMemoryRecord{Record: MemoryRecord{
		ID: id, Title: title, Body: body, Source: "trajectory", Created: time.Unix(0, 0),
	}}
}

func scored(id, title, body string, score float64) ScoredMemoryRecord {
	m := memo(id, title, body)
	m.Score = score
	return m
}

func TestScoreReranker(t *testing.T) {
	r := NewScoreReranker(0.5)
	input := []RetrievalResult{
		{RecordID: "a", Score: 0.9},
		{RecordID: "b", Score: 0.3},
		{RecordID: "c", Score: 0.7},
		{RecordID: "d", Score: 0.1},
	}

	got, err := r.Rerank(context.Background(), "q", input, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (below-threshold dropped)", len(got))
	}
	if got[0].RecordID != "a" || got[1].RecordID != "c" {
		t.Errorf("order = [%s %s], want [a c]", got[0].RecordID, got[1].RecordID)
	}

	got, err = r.Rerank(context.Background(), "q", input, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RecordID != "a" {
		t.Errorf("topK trim failed: %+v", got)
	}
}

func TestReciprocalRankFusion(t *testing.T) {
	vector := []ScoredMemoryRecord{
		memo("m1", "first", "alpha"),
		memo("m2", "second", "beta"),
	}
	keyword := []ScoredMemoryRecord{
		memo("m2", "second", "beta"),
		memo("m3", "third", "gamma"),
	}

	got := reciprocalRankFusion(vector, keyword, 0.5)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// m2 appears in both lists, so its fused score wins.
	if got[0].RecordID != "m2" {
		t.Errorf("got[0].RecordID = %q, want m2 (present in both rankings)", got[0].RecordID)
	}
	if got[0].Content != "beta" || got[0].Title != "second" {
		t.Errorf("fused result lost record fields: %+v", got[0])
	}

	// Vector-only fusion degrades to vector order.
	got = reciprocalRankFusion(vector, nil, 0)
	if len(got) != 2 || got[0].RecordID != "m1" {
		t.Errorf("vector-only fusion = %+v, want m1 first", got)
	}
}

// knowledgeStoreStub scripts vector and keyword search results.
type knowledgeStoreStub struct {
	vector  []ScoredMemoryRecord
	keyword []ScoredMemoryRecord
}

func (s *knowledgeStoreStub) UpsertRecord(_ context.Context, _ MemoryRecord, _ []float32) error {
	return nil
}

func (s *knowledgeStoreStub) SearchRecords(_ context.Context, _ []float32, _ int) ([]ScoredMemoryRecord, error) {
	return s.vector, nil
}

func (s *knowledgeStoreStub) Init(_ context.Context) error { return nil }

// keywordStoreStub additionally implements KeywordSearcher.
type keywordStoreStub struct {
	knowledgeStoreStub
}

func (s *keywordStoreStub) SearchRecordsKeyword(_ context.Context, _ string, _ int) ([]ScoredMemoryRecord, error) {
	return s.keyword, nil
}

type stubEmbedding struct {
	embedding []float32
	err       error
}

func (m *stubEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = m.embedding
	}
	return out, nil
}

func (m *stubEmbedding) Dimensions() int { return len(m.embedding) }
func (m *stubEmbedding) Name() string    { return "stub" }

func TestHybridRetriever_VectorOnly(t *testing.T) {
	store := &knowledgeStoreStub{vector: []ScoredMemoryRecord{
		scored("m1", "pattern: retry", "use exponential backoff", 0.9),
		scored("m2", "lesson: locks", "never hold across await", 0.7),
	}}
	emb := &stubEmbedding{embedding: []float32{1, 0}}

	r := NewHybridRetriever(store, emb)
	results, err := r.Retrieve(context.Background(), "how to retry", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].RecordID != "m1" {
		t.Errorf("results[0].RecordID = %q, want m1", results[0].RecordID)
	}
	if results[0].Content != "use exponential backoff" {
		t.Errorf("Content = %q", results[0].Content)
	}
}

func TestHybridRetriever_HybridBoostsSharedHit(t *testing.T) {
	store := &keywordStoreStub{knowledgeStoreStub{
		vector: []ScoredMemoryRecord{
			memo("m1", "a", "alpha"),
			memo("m2", "b", "beta"),
		},
		keyword: []ScoredMemoryRecord{
			memo("m2", "b", "beta"),
		},
	}}
	emb := &stubEmbedding{embedding: []float32{1, 0}}

	r := NewHybridRetriever(store, emb)
	results, err := r.Retrieve(context.Background(), "beta", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].RecordID != "m2" {
		t.Errorf("results[0].RecordID = %q, want m2 (hybrid boost)", results[0].RecordID)
	}
}

func TestHybridRetriever_WithReranker(t *testing.T) {
	store := &knowledgeStoreStub{vector: []ScoredMemoryRecord{
		memo("m1", "a", "alpha"),
		memo("m2", "b", "beta"),
		memo("m3", "c", "gamma"),
	}}
	emb := &stubEmbedding{embedding: []float32{1, 0}}
	rr := &reversingReranker{}

	r := NewHybridRetriever(store, emb, WithReranker(rr))
	results, err := r.Retrieve(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !rr.called {
		t.Fatal("reranker was not invoked")
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].RecordID != "m3" {
		t.Errorf("results[0].RecordID = %q, want m3 (reversed)", results[0].RecordID)
	}
}

func TestHybridRetriever_EmbedFailure(t *testing.T) {
	store := &knowledgeStoreStub{}
	emb := &stubEmbedding{err: context.DeadlineExceeded}

	r := NewHybridRetriever(store, emb)
	if _, err := r.Retrieve(context.Background(), "q", 5); err == nil {
		t.Fatal("expected error when embedding fails")
	}
}

type reversingReranker struct {
	called bool
}

func (m *reversingReranker) Rerank(_ context.Context, _ string, results []RetrievalResult, topK int) ([]RetrievalResult, error) {
	m.called = true
	reversed := make([]RetrievalResult, len(results))
	for i, r := range results {
		reversed[len(results)-1-i] = r
	}
	if len(reversed) > topK {
		reversed = reversed[:topK]
	}
	return reversed, nil
}

// --- LLMReranker tests ---

func TestLLMReranker(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{Content: `{"scores":[{"index":0,"score":3},{"index":1,"score":9},{"index":2,"score":6}]}`},
		},
	}

	r := NewLLMReranker(provider)
	input := []RetrievalResult{
		{RecordID: "a", Content: "first", Score: 0.5},
		{RecordID: "b", Content: "second", Score: 0.5},
		{RecordID: "c", Content: "third", Score: 0.5},
	}

	got, err := r.Rerank(context.Background(), "test query", input, 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RecordID != "b" {
		t.Errorf("got[0].RecordID = %q, want %q", got[0].RecordID, "b")
	}
	if got[1].RecordID != "c" {
		t.Errorf("got[1].RecordID = %q, want %q", got[1].RecordID, "c")
	}
}

func TestLLMReranker_GracefulDegradation(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{Content: "not valid json"},
		},
	}
	r := NewLLMReranker(provider)
	input := []RetrievalResult{
		{RecordID: "a", Score: 0.5},
		{RecordID: "b", Score: 0.3},
	}

	got, err := r.Rerank(context.Background(), "test", input, 5)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("should return original results on parse failure, got %d", len(got))
	}
}

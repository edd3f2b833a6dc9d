package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayforge/refactd"
)

func newTestKnowledgeStore(t *testing.T) *KnowledgeStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "knowledge.db")
	s := NewKnowledgeStore(dbPath)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func TestKnowledgeStoreUpsertAndSearch(t *testing.T) {
	s := newTestKnowledgeStore(t)
	ctx := context.Background()

	rec := refactd.MemoryRecord{
		Title:   "lesson: retry backoff",
		Tags:    []string{"lesson", "trajectory:t1"},
		Created: time.Now(),
		Source:  "trajectory",
		Body:    "always cap exponential backoff",
	}
	if err := s.UpsertRecord(ctx, rec, []float32{1, 0, 0}); err != nil {
		t.Fatalf("UpsertRecord() error = %v", err)
	}

	results, err := s.SearchRecords(ctx, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("SearchRecords() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Record.Body != rec.Body {
		t.Errorf("Body = %q, want %q", results[0].Record.Body, rec.Body)
	}
	if results[0].Score <= 0.9 {
		t.Errorf("Score = %v, want near 1 for an identical vector", results[0].Score)
	}
	if len(results[0].Record.Tags) != 2 {
		t.Errorf("Tags = %v, want 2 entries", results[0].Record.Tags)
	}
}

func TestKnowledgeStoreSearchRanksBySimilarity(t *testing.T) {
	s := newTestKnowledgeStore(t)
	ctx := context.Background()

	close := refactd.MemoryRecord{Title: "close", Source: "trajectory", Body: "near", Created: time.Now()}
	far := refactd.MemoryRecord{Title: "far", Source: "trajectory", Body: "far", Created: time.Now()}
	if err := s.UpsertRecord(ctx, close, []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRecord(ctx, far, []float32{0, 1, 0}); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchRecords(ctx, []float32{0.9, 0.1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Record.Title != "close" {
		t.Errorf("results[0].Title = %q, want %q (closer vector first)", results[0].Record.Title, "close")
	}
}

func TestKnowledgeStoreUpsertReplacesSameID(t *testing.T) {
	s := newTestKnowledgeStore(t)
	ctx := context.Background()

	rec := refactd.MemoryRecord{ID: "fixed-id", Title: "v1", Source: "trajectory", Body: "first", Created: time.Now()}
	if err := s.UpsertRecord(ctx, rec, nil); err != nil {
		t.Fatal(err)
	}
	rec.Title = "v2"
	rec.Body = "second"
	if err := s.UpsertRecord(ctx, rec, nil); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchRecords(ctx, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1 (update, not insert)", len(results))
	}
	if results[0].Record.Body != "second" {
		t.Errorf("Body = %q, want %q", results[0].Record.Body, "second")
	}
}

func TestKnowledgeStoreKeywordSearch(t *testing.T) {
	s := newTestKnowledgeStore(t)
	ctx := context.Background()

	backoff := refactd.MemoryRecord{Title: "pattern: retry backoff", Source: "trajectory", Body: "cap exponential backoff at one minute", Created: time.Now()}
	locks := refactd.MemoryRecord{Title: "lesson: locks", Source: "trajectory", Body: "never hold a mutex across an await point", Created: time.Now()}
	if err := s.UpsertRecord(ctx, backoff, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRecord(ctx, locks, nil); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchRecordsKeyword(ctx, "exponential backoff", 10)
	if err != nil {
		t.Fatalf("SearchRecordsKeyword() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Record.Title != backoff.Title {
		t.Errorf("Title = %q, want %q", results[0].Record.Title, backoff.Title)
	}
	if results[0].Score != 1 {
		t.Errorf("Score = %v, want 1 (both terms matched)", results[0].Score)
	}

	// A record matching only one of the query terms is still returned.
	results, err = s.SearchRecordsKeyword(ctx, "backoff mutex", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	results, err = s.SearchRecordsKeyword(ctx, "nothing matches this", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
}

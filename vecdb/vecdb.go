// Package vecdb implements the workspace vector index: line-based splitters
// that produce embedding units, a background vectorizer task, and the ANN
// query + usefulness formula the context builder consumes.
package vecdb

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
)

// SplitResult is the unit of embedding.
type SplitResult struct {
	FilePath        string
	WindowText      string
	WindowTextHash  string
	StartLine       int
	EndLine         int
	SymbolPath      string // breadcrumb for markdown ("H1 > H2 > H3"); the generic code splitter leaves it empty
}

// HashWindowText returns the stable content hash SplitResult.WindowTextHash
// and the VecDB's embedding cache are keyed by.
func HashWindowText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Record is a VecdbRecord. Vector is nil until embedding
// succeeds; Distance/Usefulness are populated only on query results.
type Record struct {
	FilePath       string
	StartLine      int
	EndLine        int
	WindowText     string
	WindowTextHash string
	Vector         []float32
	Distance       float64
	Usefulness     float64
}

// DB is an in-memory vector store plus a content-hash-keyed cache. Upsert
// replaces a record with the same hash in place, and RemoveFile drops a
// file's records.
type DB struct {
	mu      sync.RWMutex
	records []Record
	byHash  map[string]int // hash -> index into records, for the "never re-embed unchanged text" cache
	byFile  map[string][]int
}

// NewDB returns an empty vector index.
func NewDB() *DB {
	return &DB{
		byHash: make(map[string]int),
		byFile: make(map[string][]int),
	}
}

// Lookup returns the cached record for a content hash and true if present,
// so the vectorizer can skip re-embedding unchanged text.
func (db *DB) Lookup(hash string) (Record, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	i, ok := db.byHash[hash]
	if !ok {
		return Record{}, false
	}
	return db.records[i], true
}

// Upsert inserts or replaces a record by its content hash.
func (db *DB) Upsert(rec Record) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if i, ok := db.byHash[rec.WindowTextHash]; ok {
		db.records[i] = rec
		return
	}
	db.records = append(db.records, rec)
	idx := len(db.records) - 1
	db.byHash[rec.WindowTextHash] = idx
	db.byFile[rec.FilePath] = append(db.byFile[rec.FilePath], idx)
}

// RemoveFile drops every record for a file, e.g. on re-index or delete.
func (db *DB) RemoveFile(filePath string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	idxs, ok := db.byFile[filePath]
	if !ok {
		return
	}
	drop := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		drop[i] = true
	}
	kept := db.records[:0]
	newByHash := make(map[string]int)
	newByFile := make(map[string][]int)
	for i, r := range db.records {
		if drop[i] {
			continue
		}
		kept = append(kept, r)
		j := len(kept) - 1
		newByHash[r.WindowTextHash] = j
		newByFile[r.FilePath] = append(newByFile[r.FilePath], j)
	}
	db.records = kept
	db.byHash = newByHash
	db.byFile = newByFile
}

// Len reports the total number of records held.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.records)
}

// cosine computes cosine similarity between two equal-length vectors.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

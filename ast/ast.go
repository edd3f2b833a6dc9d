// Package ast maintains the project-scoped symbol graph. A single
// background Indexer owns the DB; everything else is a reader.
package ast

import (
	"strings"
	"sync"
)

// Definition is a project-scoped symbol, shared read-only after
// publication. Rebuilding a file's entry replaces the map slot wholesale;
// readers holding an old slice keep reading valid data, they simply see a
// stale snapshot until their next lookup.
type Definition struct {
	OfficialPath []string
	SymbolType   string // "function", "struct", "interface", "comment", ...
	FullLine1    int
	FullLine2    int
	BodyLine1    int // 0 if the symbol has no distinct body range
	BodyLine2    int
}

// Path renders the definition's official path the way the postprocessor's
// suffix-match expects: "a::b::c".
func (d Definition) Path() string {
	return strings.Join(d.OfficialPath, "::")
}

// HasBody reports whether BodyLine1/BodyLine2 carve out a sub-range of
// FullLine1/FullLine2 (used by the postprocessor's sub-symbol downgrade).
func (d Definition) HasBody() bool {
	return d.BodyLine1 > 0 && d.BodyLine2 >= d.BodyLine1
}

// UsageSite is one reference to a symbol_path, recorded by the
// usage-connection phase.
type UsageSite struct {
	Cpath string
	Line  int
}

// FileErrorCounts is the per-kind error tally the guardrail
// and the indexer's status both read.
type FileErrorCounts struct {
	ParseErrors int
	LintErrors  int
}

// DB is logically map<cpath, seq<Definition>> plus a usage-graph
// map<symbol_path, seq<UsageSite>>. Single writer (the
// Indexer), many readers; readers take a short RLock per query.
type DB struct {
	mu     sync.RWMutex
	byFile map[string][]Definition
	usage  map[string][]UsageSite
	errs   map[string]FileErrorCounts
}

// NewDB returns an empty AST DB.
func NewDB() *DB {
	return &DB{
		byFile: make(map[string][]Definition),
		usage:  make(map[string][]UsageSite),
		errs:   make(map[string]FileErrorCounts),
	}
}

// Definitions returns the (shared, read-only) definitions for a cpath, or
// nil if the file has never been indexed.
func (db *DB) Definitions(cpath string) []Definition {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.byFile[cpath]
}

// AllFiles returns every indexed cpath. Order is unspecified.
func (db *DB) AllFiles() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.byFile))
	for cpath := range db.byFile {
		out = append(out, cpath)
	}
	return out
}

// replace swaps a file's definitions wholesale. Passing a nil/empty slice
// removes the file's entry entirely (used on delete).
func (db *DB) replace(cpath string, defs []Definition, errs FileErrorCounts) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(defs) == 0 {
		delete(db.byFile, cpath)
	} else {
		db.byFile[cpath] = defs
	}
	db.errs[cpath] = errs
}

// Errors returns the last-recorded parse/lint error counts for a cpath, used
// by the patch guardrail to compare before/after.
func (db *DB) Errors(cpath string) FileErrorCounts {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.errs[cpath]
}

// SymbolsByPath returns every definition across every file whose Path()
// matches the given suffix after splitting on "::", the way the
// postprocessor resolves a hit's named symbols. Ambiguous suffix matches return every candidate; callers
// needing a single answer (e.g. the "definition" builtin) must apply their
// own disambiguation and surface ErrAmbiguity when more than one remains.
func (db *DB) SymbolsByPath(suffix string) map[string][]Definition {
	db.mu.RLock()
	defer db.mu.RUnlock()
	want := strings.Split(suffix, "::")
	out := make(map[string][]Definition)
	for cpath, defs := range db.byFile {
		for _, d := range defs {
			if hasSuffix(d.OfficialPath, want) {
				out[cpath] = append(out[cpath], d)
			}
		}
	}
	return out
}

func hasSuffix(path, suffix []string) bool {
	if len(suffix) > len(path) {
		return false
	}
	offset := len(path) - len(suffix)
	for i, s := range suffix {
		if path[offset+i] != s {
			return false
		}
	}
	return true
}

// Usages returns the recorded reference sites for a fully-qualified symbol
// path, populated by the usage-connection phase.
func (db *DB) Usages(symbolPath string) []UsageSite {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.usage[symbolPath]
}

// ConnectionStats summarizes one run of the usage-connection phase.
type ConnectionStats struct {
	Homeless  int
	Connected int
	NotFound  int
	Ambiguous int
}

func (db *DB) setUsage(symbolPath string, sites []UsageSite) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.usage[symbolPath] = sites
}

func (db *DB) resetUsage() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.usage = make(map[string][]UsageSite)
}

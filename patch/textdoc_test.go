package patch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relayforge/refactd/ast"
	"github.com/relayforge/refactd"
)

// memFS is a minimal in-memory refactd.FileSystem for exercising the textdoc
// pipeline without touching disk.
type memFS struct {
	files map[string][]byte
}

func newMemFS() *memFS { return &memFS{files: make(map[string][]byte)} }

func (fs *memFS) ReadFile(path string) ([]byte, error) {
	data, ok := fs.files[path]
	if !ok {
		return nil, &refactd.ErrNotFound{Kind: "file", What: path}
	}
	return data, nil
}

func (fs *memFS) WriteFile(path string, data []byte, _ uint32) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	fs.files[path] = cp
	return nil
}

func (fs *memFS) Stat(path string) (bool, bool, error) {
	_, ok := fs.files[path]
	return ok, false, nil
}

func (fs *memFS) Remove(path string) error {
	delete(fs.files, path)
	return nil
}

func (fs *memFS) Abs(path string) (string, error) { return path, nil }

func execTool(t *testing.T, tool refactd.Tool, args any) (bool, []refactd.ContextEnum, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return tool.Execute(context.Background(), nil, "call1", raw)
}

func TestCreateThenReplaceRoundTrip(t *testing.T) {
	fs := newMemFS()
	idx := ast.NewIndexer(ast.WithFileReader(fsReader{fs}))

	create := NewCreateTextdoc(fs, nil, idx)
	original := "package main\n\nfunc main() {}\n"
	if _, _, err := execTool(t, create, map[string]string{"path": "/x.go", "content": original}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := string(fs.files["/x.go"]); got != original {
		t.Fatalf("after create: got %q want %q", got, original)
	}

	replace := NewReplaceTextdoc(fs, nil, idx)
	if _, _, err := execTool(t, replace, map[string]string{"path": "/x.go", "content": "package main\n\nfunc main() { println(1) }\n"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, _, err := execTool(t, replace, map[string]string{"path": "/x.go", "content": original}); err != nil {
		t.Fatalf("replace back: %v", err)
	}
	if got := string(fs.files["/x.go"]); got != original {
		t.Fatalf("round-trip mismatch: got %q want %q", got, original)
	}
}

func TestCreateTextdocFailsIfExists(t *testing.T) {
	fs := newMemFS()
	fs.files["/x.go"] = []byte("existing")
	create := NewCreateTextdoc(fs, nil, nil)
	_, _, err := execTool(t, create, map[string]string{"path": "/x.go", "content": "new"})
	if err == nil {
		t.Fatal("expected error creating an existing file")
	}
}

func TestReplaceTextdocFailsIfMissing(t *testing.T) {
	fs := newMemFS()
	replace := NewReplaceTextdoc(fs, nil, nil)
	_, _, err := execTool(t, replace, map[string]string{"path": "/missing.go", "content": "x"})
	if err == nil {
		t.Fatal("expected error replacing a missing file")
	}
}

func TestUpdateTextdocRegexSingleMatchEnforced(t *testing.T) {
	fs := newMemFS()
	fs.files["/x.go"] = []byte("foo\nfoo\n")
	tool := NewUpdateTextdocRegex(fs, nil, nil)

	_, _, err := execTool(t, tool, map[string]any{
		"path": "/x.go", "pattern": "foo", "replacement": "bar", "replace_all": false,
	})
	if err != nil {
		t.Fatalf("first match replace should succeed: %v", err)
	}
	if got := string(fs.files["/x.go"]); got != "bar\nfoo\n" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateTextdocRegexReplaceAll(t *testing.T) {
	fs := newMemFS()
	fs.files["/x.go"] = []byte("foo\nfoo\n")
	tool := NewUpdateTextdocRegex(fs, nil, nil)

	_, _, err := execTool(t, tool, map[string]any{
		"path": "/x.go", "pattern": "foo", "replacement": "bar", "replace_all": true,
	})
	if err != nil {
		t.Fatalf("replace_all should succeed: %v", err)
	}
	if got := string(fs.files["/x.go"]); got != "bar\nbar\n" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateTextdocByLinesRanges(t *testing.T) {
	fs := newMemFS()
	fs.files["/x.go"] = []byte("a\nb\nc\nd\ne\n")
	tool := NewUpdateTextdocByLines(fs, nil, nil)

	_, _, err := execTool(t, tool, map[string]string{
		"path": "/x.go", "ranges": "2:3", "content": "B\nC",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := string(fs.files["/x.go"]); got != "a\nB\nC\nd\ne\n" {
		t.Fatalf("got %q", got)
	}
}

func TestGuardrailRejectsRegressionAndAllowsCleanReplace(t *testing.T) {
	fs := newMemFS()
	before := "package main\n"
	fs.files["/x.go"] = []byte(before)

	idx := ast.NewIndexer(ast.WithFileReader(fsReader{fs}))
	idx.Enqueue("/x.go")
	idx.BlockUntilFinished(1000)

	// Force a worse post-edit error count than the pre-edit baseline by
	// injecting a parse failure via the reader: simplest way here is to
	// exercise guardrailCheck directly, since the parser used by the real
	// indexer doesn't reliably fail on this snippet.
	err := guardrailCheck("/x.go", ast.FileErrorCounts{ParseErrors: 0, LintErrors: 0}, ast.FileErrorCounts{ParseErrors: 1, LintErrors: 0})
	if err == nil {
		t.Fatal("expected guardrail error when after-errors > before-errors")
	}
	var g *refactd.ErrGuardrail
	if !asGuardrail(err, &g) {
		t.Fatalf("expected *refactd.ErrGuardrail, got %T", err)
	}

	replace := NewReplaceTextdoc(fs, nil, idx)
	// A replace that doesn't regress should still succeed and the guardrail
	// should not revert it.
	if _, _, err := execTool(t, replace, map[string]string{"path": "/x.go", "content": "package main\n\nfunc ok() {}\n"}); err != nil {
		t.Fatalf("non-regressing replace should succeed: %v", err)
	}
}

func asGuardrail(err error, target **refactd.ErrGuardrail) bool {
	g, ok := err.(*refactd.ErrGuardrail)
	if ok {
		*target = g
	}
	return ok
}

// fsReader adapts a refactd.FileSystem to ast.FileReader for tests that need
// the indexer to read from the same in-memory files the textdoc tools write.
type fsReader struct{ fs *memFS }

func (r fsReader) ReadFile(cpath string) ([]byte, error) { return r.fs.ReadFile(cpath) }

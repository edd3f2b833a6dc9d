package ctxbuild

import (
	"errors"
	"strings"
	"testing"

	"github.com/relayforge/refactd"
	"github.com/relayforge/refactd/ast"
)

type memFiles map[string]string

func (m memFiles) ReadFile(path string) (string, error) {
	text, ok := m[path]
	if !ok {
		return "", errors.New("not found: " + path)
	}
	return text, nil
}

const sampleGo = `package demo

// Helper does a thing.
func Helper() int {
	return 1
}

func Caller() int {
	return Helper()
}
`

func TestBuildColorsDefinitionRangeFromHit(t *testing.T) {
	files := memFiles{"demo.go": sampleGo}
	db := ast.NewDB()
	b := NewBuilder(files, db)

	hits := []refactd.ContextFile{
		{FileName: "demo.go", Line1: 8, Line2: 10, Usefulness: 90},
	}
	out, err := b.Build(hits, 0, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 context file, got %d", len(out))
	}
	if !strings.Contains(out[0].FileContent, "Helper()") {
		t.Fatalf("expected selected excerpt to include the hit range, got %q", out[0].FileContent)
	}
}

func TestBuildRespectsNegativeUsefulnessExclusion(t *testing.T) {
	files := memFiles{"demo.go": sampleGo}
	db := ast.NewDB()
	b := NewBuilder(files, db)

	hits := []refactd.ContextFile{
		{FileName: "demo.go", Line1: 1, Line2: 10, Usefulness: 90},
		{FileName: "demo.go", Line1: 3, Line2: 3, Usefulness: -1},
	}
	out, err := b.Build(hits, 0, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 context file, got %d", len(out))
	}
	if strings.Contains(out[0].FileContent, "Helper does a thing") {
		t.Fatalf("expected line 3 to be excluded by the negative-usefulness sentinel, got %q", out[0].FileContent)
	}
}

func TestBuildHonorsTokenBudget(t *testing.T) {
	files := memFiles{"demo.go": sampleGo}
	db := ast.NewDB()
	b := NewBuilder(files, db)

	hits := []refactd.ContextFile{
		{FileName: "demo.go", Line1: 1, Line2: 9, Usefulness: 90},
	}
	outUnbounded, _ := b.Build(hits, 0, false)
	outBounded, _ := b.Build(hits, 5, false)

	if len(outBounded) > 0 && len(outUnbounded) > 0 {
		if len(outBounded[0].FileContent) >= len(outUnbounded[0].FileContent) {
			t.Fatalf("expected a tight token budget to select strictly fewer bytes")
		}
	}
}

func TestBuildSkipPPPassesThroughVerbatim(t *testing.T) {
	files := memFiles{}
	db := ast.NewDB()
	b := NewBuilder(files, db)

	hits := []refactd.ContextFile{
		{FileName: "pinned.txt", FileContent: "pinned content\n", SkipPP: true},
	}
	out, err := b.Build(hits, 100, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 || out[0].FileContent != "pinned content\n" {
		t.Fatalf("expected pinned hit to pass through unchanged, got %+v", out)
	}
}

func TestBuildUnreadableHitIsSkippedNotFatal(t *testing.T) {
	files := memFiles{}
	db := ast.NewDB()
	b := NewBuilder(files, db)

	hits := []refactd.ContextFile{
		{FileName: "missing.go", Line1: 1, Line2: 2, Usefulness: 80},
	}
	out, err := b.Build(hits, 0, false)
	if err != nil {
		t.Fatalf("expected no error for an unreadable hit, got %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no context files for an unreadable hit, got %+v", out)
	}
}

func TestCloseSmallGapsFillsOneLineHole(t *testing.T) {
	u := []float64{90, 90, 10, 90, 90}
	closeSmallGaps(u)
	if u[2] != 90 {
		t.Fatalf("expected one-line hole to be closed to neighbor max, got %v", u[2])
	}
}

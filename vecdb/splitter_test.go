package vecdb

import (
	"strings"
	"testing"
)

func TestSplitterBreaksOnBlankLine(t *testing.T) {
	s := NewSplitter(WithSoftWindow(5), WithTokensLimit(1000))
	text := strings.Join([]string{
		"aaaaaaaaaaaaaaaaaaaa", // ~5 tokens
		"",
		"bbbbbbbbbbbbbbbbbbbb",
		"cccccccccccccccccccc",
	}, "\n")
	results := s.Split("f.go", text)
	if len(results) == 0 {
		t.Fatalf("expected at least one split result")
	}
	for _, r := range results {
		if r.WindowTextHash != HashWindowText(r.WindowText) {
			t.Fatalf("hash mismatch for window %q", r.WindowText)
		}
	}
}

func TestSplitterResplitsOversizeWindow(t *testing.T) {
	s := NewSplitter(WithSoftWindow(100000), WithTokensLimit(10))
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "this line has enough bytes to count as multiple tokens")
	}
	results := s.Split("big.go", strings.Join(lines, "\n"))
	if len(results) < 2 {
		t.Fatalf("expected oversize window to be re-split into >1 results, got %d", len(results))
	}
}

func TestSplitterEmptyText(t *testing.T) {
	s := NewSplitter()
	if got := s.Split("empty.go", ""); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
}

// Package patch implements the textdoc edit tools: a shared
// normalize → await-AST → edit → re-index → diff pipeline behind
// create_textdoc, replace_textdoc, update_textdoc_regex, and
// update_textdoc_by_lines, plus the ticket parser and AST-lint guardrail
// that wrap them.
package patch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RangeSeparator splits multi-range content in update_textdoc_by_lines.
const RangeSeparator = "---RANGE_SEPARATOR---"

// LineRange is a 1-based, inclusive line span. End == 0 means "to end of
// file" (the ranges syntax's open-ended "100:" form).
type LineRange struct {
	Start int
	End   int // 0 means open-ended
}

// ParseRanges parses the ranges argument syntax: ":3" (1..3), "40:50",
// "100:" (100..EOF), or a bare "5" (line 5 only). Multiple ranges are
// comma-separated and must not overlap.
func ParseRanges(s string) ([]LineRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("ranges: empty")
	}
	parts := strings.Split(s, ",")
	out := make([]LineRange, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("ranges: empty segment in %q", s)
		}
		r, err := parseOneRange(p)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := checkNonOverlapping(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseOneRange(p string) (LineRange, error) {
	if !strings.Contains(p, ":") {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return LineRange{}, fmt.Errorf("ranges: invalid segment %q", p)
		}
		return LineRange{Start: n, End: n}, nil
	}
	idx := strings.IndexByte(p, ':')
	left, right := strings.TrimSpace(p[:idx]), strings.TrimSpace(p[idx+1:])

	start := 1
	if left != "" {
		n, err := strconv.Atoi(left)
		if err != nil || n <= 0 {
			return LineRange{}, fmt.Errorf("ranges: invalid start in %q", p)
		}
		start = n
	}
	if right == "" {
		return LineRange{Start: start, End: 0}, nil
	}
	end, err := strconv.Atoi(right)
	if err != nil || end <= 0 {
		return LineRange{}, fmt.Errorf("ranges: invalid end in %q", p)
	}
	if end < start {
		return LineRange{}, fmt.Errorf("ranges: end before start in %q", p)
	}
	return LineRange{Start: start, End: end}, nil
}

// checkNonOverlapping sorts a copy by Start and rejects any overlap. An
// open-ended range (End==0) is compared against a synthetic "infinity" so it
// is treated as overlapping anything starting at or after it.
func checkNonOverlapping(ranges []LineRange) error {
	sorted := append([]LineRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		prevEnd := sorted[i-1].End
		if prevEnd == 0 || prevEnd >= sorted[i].Start {
			return fmt.Errorf("ranges: overlapping spans %v and %v", sorted[i-1], sorted[i])
		}
	}
	return nil
}

// splitOnSeparatorLine splits a line list wherever a line is exactly
// RangeSeparator, dropping the separator line itself.
func splitOnSeparatorLine(lines []string) [][]string {
	var groups [][]string
	var cur []string
	for _, l := range lines {
		if l == RangeSeparator {
			groups = append(groups, cur)
			cur = nil
			continue
		}
		cur = append(cur, l)
	}
	groups = append(groups, cur)
	return groups
}

// ApplyRanges replaces the line spans named by ranges in lines (1-based,
// split on '\n', no trailing newline expected) with content. For a single
// range, content is used verbatim; for multiple ranges, content must be
// split by RangeSeparator into exactly len(ranges) parts, applied in the
// same order the ranges were given (not sorted order — the caller's
// original argument order is semantically "this content goes with this
// range").
func ApplyRanges(lines []string, ranges []LineRange, content string) ([]string, error) {
	var parts [][]string
	if len(ranges) == 1 {
		parts = [][]string{strings.Split(content, "\n")}
	} else {
		parts = splitOnSeparatorLine(strings.Split(content, "\n"))
	}
	if len(parts) != len(ranges) {
		return nil, fmt.Errorf("ranges: got %d ranges but %d content parts", len(ranges), len(parts))
	}

	type edit struct {
		start, end  int // 0-based, end exclusive
		replacement []string
	}
	edits := make([]edit, len(ranges))
	for i, r := range ranges {
		end := r.End
		if end == 0 {
			end = len(lines)
		}
		if r.Start > len(lines) {
			return nil, fmt.Errorf("ranges: start line %d beyond file length %d", r.Start, len(lines))
		}
		edits[i] = edit{start: r.Start - 1, end: end, replacement: parts[i]}
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var out []string
	cursor := 0
	for _, e := range edits {
		out = append(out, lines[cursor:e.start]...)
		out = append(out, e.replacement...)
		cursor = e.end
	}
	out = append(out, lines[cursor:]...)
	return out, nil
}

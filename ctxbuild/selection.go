package ctxbuild

import (
	"sort"
	"strings"

	"github.com/relayforge/refactd"
)

// candidate is one scored line, the unit the greedy selector bids over.
type candidate struct {
	path  string
	line  int // 1-based
	score float64
}

// selectAndFlatten performs the token-budgeted greedy selection: candidate
// lines are ranked by useful score
// (ties broken by cpath_symmetry_breaker for determinism), then taken
// greedily until tokenBudget is exhausted. Lines at or below TakeFloor are
// dropped unless their file has no AST symbols at all (takeIgnoringFloor).
func (b *Builder) selectAndFlatten(states map[string]*fileState, order []string, tokenBudget int, singleFileMode bool) []refactd.ContextFile {
	paths := limitFiles(states, order, b.coef.MaxFilesN, singleFileMode)

	var candidates []candidate
	for _, path := range paths {
		fs := states[path]
		for i, score := range fs.useful {
			if score == minusOne {
				continue
			}
			if score <= b.coef.TakeFloor && !fs.takeIgnoringFloor {
				continue
			}
			candidates = append(candidates, candidate{path: path, line: i + 1, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := candidates[i].score + states[candidates[i].path].symmetryBreaker
		sj := candidates[j].score + states[candidates[j].path].symmetryBreaker
		return si > sj
	})

	selected := make(map[string]map[int]bool)
	spent := 0
	headerCharged := make(map[string]bool)
	for _, c := range candidates {
		if tokenBudget > 0 && spent >= tokenBudget {
			break
		}
		cost := b.countTokens(states[c.path].lines[c.line-1]) + 1
		if !headerCharged[c.path] {
			cost += b.countTokens(c.path) + 2
		}
		if tokenBudget > 0 && spent+cost > tokenBudget {
			continue
		}
		spent += cost
		headerCharged[c.path] = true
		if selected[c.path] == nil {
			selected[c.path] = make(map[int]bool)
		}
		selected[c.path][c.line] = true
	}

	out := make([]refactd.ContextFile, 0, len(selected))
	for _, path := range paths {
		lines, ok := selected[path]
		if !ok {
			continue
		}
		out = append(out, renderFile(states[path], lines))
	}
	return out
}

// limitFiles applies MaxFilesN (and singleFileMode) by keeping only the
// files whose best line score ranks highest, preserving first-seen order
// among the kept set for stable output.
func limitFiles(states map[string]*fileState, order []string, maxFiles int, singleFileMode bool) []string {
	type ranked struct {
		path string
		best float64
	}
	rs := make([]ranked, 0, len(order))
	for _, path := range order {
		best := -1e18
		for _, s := range states[path].useful {
			if s > best {
				best = s
			}
		}
		rs = append(rs, ranked{path, best})
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].best > rs[j].best })

	limit := maxFiles
	if singleFileMode {
		limit = 1
	}
	if limit <= 0 || limit > len(rs) {
		limit = len(rs)
	}
	keep := make(map[string]bool, limit)
	for _, r := range rs[:limit] {
		keep[r.path] = true
	}

	out := make([]string, 0, limit)
	for _, path := range order {
		if keep[path] {
			out = append(out, path)
		}
	}
	return out
}

// renderFile stitches the selected, non-contiguous line set of fs into a
// single excerpt, joining gaps with an ellipsis marker.
func renderFile(fs *fileState, lines map[int]bool) refactd.ContextFile {
	selectedLines := make([]int, 0, len(lines))
	for ln := range lines {
		selectedLines = append(selectedLines, ln)
	}
	sort.Ints(selectedLines)

	var b strings.Builder
	minLine, maxLine := selectedLines[0], selectedLines[len(selectedLines)-1]
	prev := 0
	for _, ln := range selectedLines {
		if prev != 0 && ln != prev+1 {
			b.WriteString("...\n")
		}
		b.WriteString(fs.lines[ln-1])
		b.WriteString("\n")
		prev = ln
	}

	return refactd.ContextFile{
		FileName:    fs.path,
		FileContent: b.String(),
		Line1:       minLine,
		Line2:       maxLine,
		Usefulness:  fs.useful[maxLine-1],
	}
}

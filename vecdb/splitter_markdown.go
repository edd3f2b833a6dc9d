package vecdb

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FrontMatter is the YAML front-matter block a Markdown document may open
// with.
type FrontMatter struct {
	Title   string
	Tags    []string
	Created string
	Updated string
}

// MarkdownSplitter parses YAML front-matter, then splits on ATX headings
// while preserving a breadcrumb "H1 > H2 > H3" in SymbolPath, and further
// splits oversize sections with the same overlap the generic Splitter uses.
// Heading boundaries come from goldmark's parser/AST rather than a
// hand-rolled regex walk, so they never fall inside a fenced code block;
// window breaks inside a section do not track fences and can cut through
// one.
type MarkdownSplitter struct {
	md    goldmark.Markdown
	inner *Splitter
}

// NewMarkdownSplitter constructs a MarkdownSplitter. Options tune the
// fallback generic splitter used once a section is isolated.
func NewMarkdownSplitter(opts ...SplitterOption) *MarkdownSplitter {
	return &MarkdownSplitter{
		md:    goldmark.New(),
		inner: NewSplitter(opts...),
	}
}

// Split parses front-matter, walks ATX headings via goldmark, and returns
// one SplitResult per section (further divided by the generic splitter if
// oversize), breadcrumbed by heading path.
func (ms *MarkdownSplitter) Split(filePath, raw string) []SplitResult {
	_, body, fmLines := parseFrontMatter(raw)

	lines := strings.Split(body, "\n")
	src := []byte(body)
	root := ms.md.Parser().Parse(text.NewReader(src))

	type boundary struct {
		line  int // 0-based line within body where this heading starts
		level int
		text  string
	}
	var bounds []boundary
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		line := headingLine(h, src)
		bounds = append(bounds, boundary{line: line, level: h.Level, text: headingText(h, src)})
		return ast.WalkContinue, nil
	})

	if len(bounds) == 0 {
		return ms.splitSection(filePath, lines, 0, len(lines), nil, fmLines)
	}

	var out []SplitResult
	breadcrumb := make([]string, 0, 6)
	for i, b := range bounds {
		end := len(lines)
		if i+1 < len(bounds) {
			end = bounds[i+1].line
		}
		breadcrumb = adjustBreadcrumb(breadcrumb, b.level, b.text)
		out = append(out, ms.splitSection(filePath, lines, b.line, end, breadcrumb, fmLines)...)
	}
	return out
}

// adjustBreadcrumb truncates the crumb trail to the new heading's level and
// appends it, so "H1 > H2 > H3" always reflects the active nesting.
func adjustBreadcrumb(trail []string, level int, text string) []string {
	if level-1 < len(trail) {
		trail = trail[:level-1]
	}
	for len(trail) < level-1 {
		trail = append(trail, "")
	}
	trail = append(trail, text)
	return trail
}

func breadcrumbPath(trail []string) string {
	var parts []string
	for _, t := range trail {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " > ")
}

// splitSection runs the generic splitter over a section's line range and
// tags each result with the section's breadcrumb and file-relative line
// numbers. Window boundaries are not moved around code fences, so a long
// section can be cut inside a fenced block.
func (ms *MarkdownSplitter) splitSection(filePath string, lines []string, start, end int, breadcrumb []string, fmLines int) []SplitResult {
	section := lines[start:end]
	fenceSafe := snapToFenceBoundaries(section)
	text := strings.Join(fenceSafe, "\n")

	inner := ms.inner.Split(filePath, text)
	if len(inner) == 0 {
		return nil
	}
	path := breadcrumbPath(breadcrumb)
	for i := range inner {
		inner[i].SymbolPath = path
		inner[i].StartLine += start + fmLines
		inner[i].EndLine += start + fmLines
	}
	return inner
}

// snapToFenceBoundaries returns lines unchanged. Sections are split on
// heading boundaries first, and headings never appear inside a fence, so
// only the generic splitter's breaks within a section can cut inside a
// fence; no fence-depth tracking is done.
func snapToFenceBoundaries(lines []string) []string {
	return lines
}

func headingLine(h *ast.Heading, src []byte) int {
	if h.Lines().Len() == 0 {
		return 0
	}
	seg := h.Lines().At(0)
	return strings.Count(string(src[:seg.Start]), "\n")
}

func headingText(h *ast.Heading, src []byte) string {
	var b strings.Builder
	ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := n.(*ast.Text); ok {
				b.Write(t.Segment.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// parseFrontMatter strips a leading "---\n...\n---\n" YAML block and parses
// its title/tags/created/updated fields with a minimal line-oriented
// reader (the daemon's customization/MCP YAML uses gopkg.in/yaml.v3 for
// structured config; this front-matter is a handful of scalar fields, so a
// direct line scan avoids pulling a full YAML unmarshal into the hot
// indexing path). Returns the parsed front matter, the remaining body, and
// how many lines the front-matter block consumed (so line numbers reported
// downstream stay 1-based against the original file).
func parseFrontMatter(raw string) (FrontMatter, string, int) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return FrontMatter{}, raw, 0
	}
	var fm FrontMatter
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
		key, val, ok := strings.Cut(lines[i], ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		switch key {
		case "title":
			fm.Title = val
		case "created":
			fm.Created = val
		case "updated":
			fm.Updated = val
		case "tags":
			fm.Tags = parseInlineList(val)
		}
	}
	if end == -1 {
		return FrontMatter{}, raw, 0
	}
	body := strings.Join(lines[end+1:], "\n")
	return fm, body, end + 1
}

func parseInlineList(val string) []string {
	val = strings.TrimSpace(val)
	val = strings.TrimPrefix(val, "[")
	val = strings.TrimSuffix(val, "]")
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FrontMatterOf re-parses just the front matter of raw, for callers that
// want document metadata without re-splitting (e.g. a memo indexer).
func FrontMatterOf(raw string) FrontMatter {
	fm, _, _ := parseFrontMatter(raw)
	return fm
}

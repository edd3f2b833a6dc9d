// Package builtins implements the core context-retrieval tools (definition,
// references, tree, cat, locate, regex_search, search) against the ast and
// vecdb packages rather than reimplementing lookup logic. Locate runs a
// single embedding+AST pass instead of a nested multi-round subchat; the
// outer chat/tool loop already supplies that iterative refinement.
package builtins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/relayforge/refactd"
	"github.com/relayforge/refactd/ast"
	"github.com/relayforge/refactd/vecdb"
)

const maxWalkFiles = 5000

// walk lists every regular file under root, skipping dotdirs and common
// vendor/build directories, bounded at maxWalkFiles so a pathological
// workspace can't make a builtin hang.
func walk(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(out) >= maxWalkFiles {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() {
			if name != "." && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" || name == "target" || name == "dist") {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out
}

func readLines(content []byte) []string {
	return strings.Split(string(content), "\n")
}

// --- definition ---

// Definition implements the "definition" builtin: look up a symbol's own
// declaration range in the AST DB.
type Definition struct {
	DB *ast.DB
	FS refactd.FileSystem
}

func (t *Definition) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "definition",
		Description: "Find where a symbol (function, type, class, method) is defined and return its source.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"symbol":{"type":"string","description":"Symbol name or ::-qualified path, e.g. \"MyStruct::MyMethod\""}
		},"required":["symbol"]}`),
		RequiredParams: []string{"symbol"},
		Source:         "builtin",
	}
}

func (t *Definition) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Definition) DependsOn() []string { return []string{"ast"} }

func (t *Definition) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "definition args", Cause: err}
	}

	matches := t.DB.SymbolsByPath(params.Symbol)
	cpath, def, err := pickOne(params.Symbol, matches)
	if err != nil {
		return false, nil, err
	}

	raw, rerr := t.FS.ReadFile(cpath)
	if rerr != nil {
		return false, nil, &refactd.ErrNotFound{Kind: "file", What: cpath}
	}
	lines := readLines(raw)
	excerpt := sliceLines(lines, def.FullLine1, def.FullLine2)

	msg := refactd.ToolResultMessage(callID, fmt.Sprintf("%s defined at %s:%d-%d", def.Path(), cpath, def.FullLine1, def.FullLine2), false)
	cf := refactd.ContextFile{
		FileName: cpath, FileContent: excerpt, Line1: def.FullLine1, Line2: def.FullLine2,
		Symbols: []string{def.Path()}, Usefulness: 95,
	}
	return false, []refactd.ContextEnum{refactd.MessageEnum(msg), refactd.ContextFileEnum(cf)}, nil
}

func pickOne(query string, matches map[string][]ast.Definition) (string, ast.Definition, error) {
	var cpath string
	var found []ast.Definition
	var candidates []string
	for cp, defs := range matches {
		for _, d := range defs {
			candidates = append(candidates, fmt.Sprintf("%s (%s)", d.Path(), cp))
			cpath, found = cp, append(found, d)
		}
	}
	switch len(candidates) {
	case 0:
		return "", ast.Definition{}, &refactd.ErrNotFound{Kind: "symbol", What: query}
	case 1:
		return cpath, found[0], nil
	default:
		return "", ast.Definition{}, &refactd.ErrAmbiguity{Query: query, Candidates: candidates}
	}
}

func sliceLines(lines []string, l1, l2 int) string {
	if l1 < 1 {
		l1 = 1
	}
	if l2 > len(lines) {
		l2 = len(lines)
	}
	if l1 > l2 {
		return ""
	}
	return strings.Join(lines[l1-1:l2], "\n")
}

// --- references ---

// References implements the "references" builtin: every recorded usage site
// of a symbol, from the AST indexer's usage-connection phase.
type References struct {
	DB *ast.DB
	FS refactd.FileSystem
}

func (t *References) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "references",
		Description: "Find every usage site of a symbol across the indexed workspace.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"symbol":{"type":"string","description":"Fully-qualified symbol path, e.g. \"MyStruct::MyMethod\""}
		},"required":["symbol"]}`),
		RequiredParams: []string{"symbol"},
		Source:         "builtin",
	}
}

func (t *References) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *References) DependsOn() []string { return []string{"ast"} }

func (t *References) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "references args", Cause: err}
	}

	sites := t.DB.Usages(params.Symbol)
	if len(sites) == 0 {
		return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, fmt.Sprintf("no usages found for %s", params.Symbol), false))}, nil
	}

	var outputs []refactd.ContextEnum
	outputs = append(outputs, refactd.MessageEnum(refactd.ToolResultMessage(callID, fmt.Sprintf("%d usage(s) of %s", len(sites), params.Symbol), false)))
	for _, s := range sites {
		raw, err := t.FS.ReadFile(s.Cpath)
		if err != nil {
			continue
		}
		lines := readLines(raw)
		lo, hi := s.Line-2, s.Line+2
		if lo < 1 {
			lo = 1
		}
		if hi > len(lines) {
			hi = len(lines)
		}
		outputs = append(outputs, refactd.ContextFileEnum(refactd.ContextFile{
			FileName: s.Cpath, FileContent: sliceLines(lines, lo, hi), Line1: lo, Line2: hi, Usefulness: 70,
		}))
	}
	return false, outputs, nil
}

// --- tree ---

// Tree implements the "tree" builtin: a compact file listing of the
// workspace (or a subdirectory), reusing the same recursive walk the
// system-context bootstrap's tree renderer performs.
type Tree struct {
	Root string
}

func (t *Tree) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "tree",
		Description: "List the directory structure of the workspace or a subdirectory within it.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Subdirectory relative to the workspace root; omit for the whole workspace"}}}`),
		Source:      "builtin",
	}
}

func (t *Tree) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Tree) DependsOn() []string { return nil }

func (t *Tree) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &params)

	root := t.Root
	if params.Path != "" {
		root = filepath.Join(t.Root, params.Path)
	}
	files := walk(root)
	sort.Strings(files)

	var out strings.Builder
	for _, f := range files {
		rel, err := filepath.Rel(t.Root, f)
		if err != nil {
			rel = f
		}
		out.WriteString(rel)
		out.WriteByte('\n')
	}
	if out.Len() == 0 {
		out.WriteString("(empty)")
	}
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, out.String(), false))}, nil
}

// --- cat ---

// Cat implements the "cat" builtin: read a file's content verbatim, with PDF
// text extraction for .pdf files.
type Cat struct {
	FS refactd.FileSystem
}

func (t *Cat) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "cat",
		Description: "Read the full content of one or more files in the workspace, including PDF text extraction.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"paths":{"type":"array","items":{"type":"string"},"description":"File paths relative to the workspace root"}
		},"required":["paths"]}`),
		RequiredParams: []string{"paths"},
		Source:         "builtin",
	}
}

func (t *Cat) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Cat) DependsOn() []string { return nil }

func (t *Cat) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "cat args", Cause: err}
	}
	if len(params.Paths) == 0 {
		return false, nil, &refactd.ErrParse{Source: "cat args", Cause: fmt.Errorf("paths is empty")}
	}

	var outputs []refactd.ContextEnum
	var notFound []string
	for _, p := range params.Paths {
		text, err := t.readOne(p)
		if err != nil {
			notFound = append(notFound, p)
			continue
		}
		lines := readLines([]byte(text))
		outputs = append(outputs, refactd.ContextFileEnum(refactd.ContextFile{
			FileName: p, FileContent: text, Line1: 0, Line2: 0, Usefulness: 100,
		}))
		_ = lines
	}

	status := fmt.Sprintf("read %d of %d file(s)", len(params.Paths)-len(notFound), len(params.Paths))
	if len(notFound) > 0 {
		status += "; not found: " + strings.Join(notFound, ", ")
	}
	msg := refactd.ToolResultMessage(callID, status, len(outputs) == 0)
	return false, append([]refactd.ContextEnum{refactd.MessageEnum(msg)}, outputs...), nil
}

func (t *Cat) readOne(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return extractPDF(path)
	}
	raw, err := t.FS.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// extractPDF reads a PDF straight off disk: the FileSystem port has no
// binary-safe streaming surface, and PDFs are large enough that round
// tripping them through FileSystem.ReadFile's []byte contract first would
// only add a copy.
func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", &refactd.ErrParse{Source: "pdf " + path, Cause: err}
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", &refactd.ErrParse{Source: "pdf " + path, Cause: err}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", &refactd.ErrParse{Source: "pdf " + path, Cause: err}
	}
	return buf.String(), nil
}

// --- regex_search ---

// RegexSearch implements the "regex_search" builtin: a grep-like scan across
// the workspace, returning each matching line with a +-2-line context window
// as a ContextFile.
type RegexSearch struct {
	Root string
	FS   refactd.FileSystem
}

func (t *RegexSearch) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "regex_search",
		Description: "Search the workspace for lines matching a regular expression.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"pattern":{"type":"string","description":"RE2 regular expression"},
			"max_results":{"type":"integer","description":"Maximum number of matches to return (default 50)"}
		},"required":["pattern"]}`),
		RequiredParams: []string{"pattern"},
		Source:         "builtin",
	}
}

func (t *RegexSearch) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *RegexSearch) DependsOn() []string { return nil }

func (t *RegexSearch) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Pattern    string `json:"pattern"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "regex_search args", Cause: err}
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return false, nil, &refactd.ErrParse{Source: "regex_search pattern", Cause: err}
	}
	limit := params.MaxResults
	if limit <= 0 {
		limit = 50
	}

	var outputs []refactd.ContextEnum
	matches := 0
	for _, path := range walk(t.Root) {
		if ctx.Err() != nil {
			break
		}
		raw, err := t.FS.ReadFile(path)
		if err != nil {
			continue
		}
		lines := readLines(raw)
		for i, line := range lines {
			if matches >= limit {
				break
			}
			if !re.MatchString(line) {
				continue
			}
			lo, hi := i-2, i+3
			if lo < 0 {
				lo = 0
			}
			if hi > len(lines) {
				hi = len(lines)
			}
			rel, _ := filepath.Rel(t.Root, path)
			outputs = append(outputs, refactd.ContextFileEnum(refactd.ContextFile{
				FileName: rel, FileContent: strings.Join(lines[lo:hi], "\n"),
				Line1: i + 1, Line2: i + 1, Usefulness: 100,
			}))
			matches++
		}
		if matches >= limit {
			break
		}
	}

	msg := refactd.ToolResultMessage(callID, fmt.Sprintf("%d match(es) for %q", matches, params.Pattern), false)
	return false, append([]refactd.ContextEnum{refactd.MessageEnum(msg)}, outputs...), nil
}

// --- search ---

// Search implements the "search" builtin: vector similarity search over the
// indexed workspace.
type Search struct {
	DB       *vecdb.DB
	Embedder vecdb.Embedder
	TopK     int
}

func (t *Search) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "search",
		Description: "Semantic search over the indexed workspace for code or text relevant to a natural-language query.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string","description":"Natural-language description of what to find"}
		},"required":["query"]}`),
		RequiredParams: []string{"query"},
		Source:         "builtin",
	}
}

func (t *Search) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Search) DependsOn() []string { return []string{"vecdb"} }

func (t *Search) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "search args", Cause: err}
	}

	topK := t.TopK
	if topK <= 0 {
		topK = 10
	}
	records, err := vecdb.Query(ctx, t.DB, t.Embedder, params.Query, topK)
	if err != nil {
		return false, nil, &refactd.ErrTransport{Target: "embeddings", Cause: err}
	}
	if len(records) == 0 {
		return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, "no results found", false))}, nil
	}

	outputs := []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, fmt.Sprintf("%d result(s) for %q", len(records), params.Query), false))}
	for _, r := range records {
		outputs = append(outputs, refactd.ContextFileEnum(refactd.ContextFile{
			FileName: r.FilePath, FileContent: r.WindowText, Line1: r.StartLine, Line2: r.EndLine, Usefulness: r.Usefulness,
		}))
	}
	return false, outputs, nil
}

// --- locate ---

// Locate implements the "locate" builtin: given a free-text problem
// statement, combine a vector search pass with an AST suffix-match pass over
// the words of the query that contain "::" or look like identifiers
// (camelCase or snake_case), producing a merged set of ContextFile hits.
type Locate struct {
	AstDB    *ast.DB
	VecDB    *vecdb.DB
	Embedder vecdb.Embedder
	FS       refactd.FileSystem
	TopK     int
}

func (t *Locate) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "locate",
		Description: "Given a description of a task or problem, find the files and symbols most relevant to it.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"problem_statement":{"type":"string","description":"Description of the task, bug, or question to locate relevant code for"}
		},"required":["problem_statement"]}`),
		RequiredParams: []string{"problem_statement"},
		Agentic:        true,
		Source:         "builtin",
	}
}

func (t *Locate) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Locate) DependsOn() []string { return []string{"ast", "vecdb"} }

func (t *Locate) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		ProblemStatement string `json:"problem_statement"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "locate args", Cause: err}
	}

	topK := t.TopK
	if topK <= 0 {
		topK = 6
	}
	var outputs []refactd.ContextEnum
	seen := make(map[string]bool)

	if records, err := vecdb.Query(ctx, t.VecDB, t.Embedder, params.ProblemStatement, topK); err == nil {
		for _, r := range records {
			key := fmt.Sprintf("%s:%d-%d", r.FilePath, r.StartLine, r.EndLine)
			if seen[key] {
				continue
			}
			seen[key] = true
			outputs = append(outputs, refactd.ContextFileEnum(refactd.ContextFile{
				FileName: r.FilePath, FileContent: r.WindowText, Line1: r.StartLine, Line2: r.EndLine, Usefulness: r.Usefulness,
			}))
		}
	}

	for _, word := range strings.Fields(params.ProblemStatement) {
		word = strings.Trim(word, ".,!?:;\"'()")
		if !strings.Contains(word, "::") && !isIdentifierLike(word) {
			continue
		}
		for cpath, defs := range t.AstDB.SymbolsByPath(word) {
			for _, d := range defs {
				key := fmt.Sprintf("%s:%d-%d", cpath, d.FullLine1, d.FullLine2)
				if seen[key] {
					continue
				}
				seen[key] = true
				raw, err := t.FS.ReadFile(cpath)
				if err != nil {
					continue
				}
				outputs = append(outputs, refactd.ContextFileEnum(refactd.ContextFile{
					FileName: cpath, FileContent: sliceLines(readLines(raw), d.FullLine1, d.FullLine2),
					Line1: d.FullLine1, Line2: d.FullLine2, Symbols: []string{d.Path()}, Usefulness: 85,
				}))
			}
		}
	}

	msg := refactd.ToolResultMessage(callID, fmt.Sprintf("located %d relevant region(s)", len(outputs)), false)
	return false, append([]refactd.ContextEnum{refactd.MessageEnum(msg)}, outputs...), nil
}

func isIdentifierLike(s string) bool {
	if len(s) < 3 {
		return false
	}
	hasUpperInside := false
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			hasUpperInside = true
		}
	}
	return hasUpperInside || strings.Contains(s, "_")
}

var (
	_ refactd.Tool = (*Definition)(nil)
	_ refactd.Tool = (*References)(nil)
	_ refactd.Tool = (*Tree)(nil)
	_ refactd.Tool = (*Cat)(nil)
	_ refactd.Tool = (*RegexSearch)(nil)
	_ refactd.Tool = (*Search)(nil)
	_ refactd.Tool = (*Locate)(nil)
)

package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/relayforge/refactd/ast"
	"github.com/relayforge/refactd"
)

// AwaitMS is how long a textdoc tool blocks on the AST indexer both before
// reading a file's baseline error count and after writing it back.
const AwaitMS = 3000

// pipeline is the shared normalize -> await-AST -> edit -> re-index ->
// guardrail -> diff sequence every textdoc tool runs.
type pipeline struct {
	fs      refactd.FileSystem
	privacy refactd.PrivacyFilter
	idx     *ast.Indexer
}

func newPipeline(fs refactd.FileSystem, privacy refactd.PrivacyFilter, idx *ast.Indexer) *pipeline {
	if privacy == nil {
		privacy = refactd.AllowAllPrivacyFilter{}
	}
	return &pipeline{fs: fs, privacy: privacy, idx: idx}
}

// normalize resolves path to an absolute, privacy-checked path.
func (p *pipeline) normalize(path string) (string, error) {
	abs, err := p.fs.Abs(path)
	if err != nil {
		return "", &refactd.ErrNotFound{Kind: "file", What: path}
	}
	if !p.privacy.Allow(abs) {
		return "", &refactd.ErrPrivacyDenied{Path: abs}
	}
	return abs, nil
}

// awaitAST blocks until the indexer's todo queue has drained, then returns
// the file's current error baseline.
func (p *pipeline) awaitAST(cpath string) ast.FileErrorCounts {
	if p.idx == nil {
		return ast.FileErrorCounts{}
	}
	p.idx.BlockUntilFinished(AwaitMS)
	return p.idx.DB.Errors(cpath)
}

// syncAST re-enqueues cpath and blocks until it has been reparsed, returning
// the post-edit error count for the guardrail comparison.
func (p *pipeline) syncAST(cpath string) ast.FileErrorCounts {
	if p.idx == nil {
		return ast.FileErrorCounts{}
	}
	p.idx.Enqueue(cpath)
	p.idx.BlockUntilFinished(AwaitMS)
	return p.idx.DB.Errors(cpath)
}

// guardrailCheck rejects an edit that increases a file's combined
// parse+lint error count over its pre-edit baseline; the caller is
// responsible for reverting the write it already performed.
func guardrailCheck(cpath string, before, after ast.FileErrorCounts) error {
	beforeTotal := before.ParseErrors + before.LintErrors
	afterTotal := after.ParseErrors + after.LintErrors
	if afterTotal > beforeTotal {
		return &refactd.ErrGuardrail{File: cpath, BeforeErrors: beforeTotal, AfterErrors: afterTotal}
	}
	return nil
}

// --- create_textdoc ---

// CreateTextdoc creates a new file. It refuses to overwrite an existing
// file, performs no guardrail check (there is no "before" to regress
// against) but still syncs the AST so the new file's definitions become
// visible immediately.
type CreateTextdoc struct{ p *pipeline }

func NewCreateTextdoc(fs refactd.FileSystem, privacy refactd.PrivacyFilter, idx *ast.Indexer) *CreateTextdoc {
	return &CreateTextdoc{p: newPipeline(fs, privacy, idx)}
}

func (t *CreateTextdoc) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "create_textdoc",
		Description: "Create a brand-new text file with the given content. Fails if the file already exists.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"path":{"type":"string","description":"File to create, relative to the workspace root"},
			"content":{"type":"string","description":"Full content of the new file"}
		},"required":["path","content"]}`),
		RequiredParams: []string{"path", "content"},
		Agentic:        true,
		Source:         "builtin",
	}
}

func (t *CreateTextdoc) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmAsk, Rule: "create_textdoc*", Command: "create_textdoc"}
}

func (t *CreateTextdoc) DependsOn() []string { return []string{"ast"} }

func (t *CreateTextdoc) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "create_textdoc args", Cause: err}
	}

	cpath, err := t.p.normalize(params.Path)
	if err != nil {
		return false, nil, err
	}
	if exists, _, _ := t.p.fs.Stat(cpath); exists {
		return false, nil, fmt.Errorf("create_textdoc: file already exists: %s", cpath)
	}
	if err := t.p.fs.WriteFile(cpath, []byte(params.Content), 0o644); err != nil {
		return false, nil, &refactd.ErrTransport{Target: cpath, Cause: err}
	}
	t.p.syncAST(cpath)

	chunks := ConvertEditToDiffChunks(cpath, "", params.Content, refactd.FileActionAdd)
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.DiffMessage(chunks))}, nil
}

// --- replace_textdoc ---

// ReplaceTextdoc overwrites a file's full content.
type ReplaceTextdoc struct{ p *pipeline }

func NewReplaceTextdoc(fs refactd.FileSystem, privacy refactd.PrivacyFilter, idx *ast.Indexer) *ReplaceTextdoc {
	return &ReplaceTextdoc{p: newPipeline(fs, privacy, idx)}
}

func (t *ReplaceTextdoc) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "replace_textdoc",
		Description: "Replace the entire content of an existing file.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"path":{"type":"string","description":"File to replace, relative to the workspace root"},
			"content":{"type":"string","description":"New full content of the file"}
		},"required":["path","content"]}`),
		RequiredParams: []string{"path", "content"},
		Agentic:        true,
		Source:         "builtin",
	}
}

func (t *ReplaceTextdoc) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmAsk, Rule: "replace_textdoc*", Command: "replace_textdoc"}
}

func (t *ReplaceTextdoc) DependsOn() []string { return []string{"ast"} }

func (t *ReplaceTextdoc) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "replace_textdoc args", Cause: err}
	}

	cpath, err := t.p.normalize(params.Path)
	if err != nil {
		return false, nil, err
	}
	raw, err := t.p.fs.ReadFile(cpath)
	if err != nil {
		return false, nil, &refactd.ErrNotFound{Kind: "file", What: cpath}
	}
	before := string(raw)
	beforeCounts := t.p.awaitAST(cpath)

	if err := t.p.fs.WriteFile(cpath, []byte(params.Content), 0o644); err != nil {
		return false, nil, &refactd.ErrTransport{Target: cpath, Cause: err}
	}
	afterCounts := t.p.syncAST(cpath)

	if err := guardrailCheck(cpath, beforeCounts, afterCounts); err != nil {
		t.p.fs.WriteFile(cpath, raw, 0o644)
		t.p.syncAST(cpath)
		return false, nil, err
	}

	chunks := ConvertEditToDiffChunks(cpath, before, params.Content, refactd.FileActionEdit)
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.DiffMessage(chunks))}, nil
}

// --- update_textdoc_regex ---

// UpdateTextdocRegex replaces matches of a regular expression within a
// file, in the same pipeline shape as its by-lines neighbor.
type UpdateTextdocRegex struct{ p *pipeline }

func NewUpdateTextdocRegex(fs refactd.FileSystem, privacy refactd.PrivacyFilter, idx *ast.Indexer) *UpdateTextdocRegex {
	return &UpdateTextdocRegex{p: newPipeline(fs, privacy, idx)}
}

func (t *UpdateTextdocRegex) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name: "update_textdoc_regex",
		Description: "Replace text in a file matching a regular expression. " +
			"By default only the first match is replaced; set replace_all to replace every match.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"path":{"type":"string","description":"File to edit, relative to the workspace root"},
			"pattern":{"type":"string","description":"RE2 regular expression to search for"},
			"replacement":{"type":"string","description":"Replacement text; may use $1-style capture references"},
			"replace_all":{"type":"boolean","description":"Replace every match instead of only the first"}
		},"required":["path","pattern","replacement"]}`),
		RequiredParams: []string{"path", "pattern", "replacement"},
		Agentic:        true,
		Source:         "builtin",
	}
}

func (t *UpdateTextdocRegex) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmAsk, Rule: "update_textdoc_regex*", Command: "update_textdoc_regex"}
}

func (t *UpdateTextdocRegex) DependsOn() []string { return []string{"ast"} }

func (t *UpdateTextdocRegex) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Path        string `json:"path"`
		Pattern     string `json:"pattern"`
		Replacement string `json:"replacement"`
		ReplaceAll  bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "update_textdoc_regex args", Cause: err}
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return false, nil, &refactd.ErrParse{Source: "update_textdoc_regex pattern", Cause: err}
	}

	cpath, err := t.p.normalize(params.Path)
	if err != nil {
		return false, nil, err
	}
	raw, err := t.p.fs.ReadFile(cpath)
	if err != nil {
		return false, nil, &refactd.ErrNotFound{Kind: "file", What: cpath}
	}
	before := string(raw)
	beforeCounts := t.p.awaitAST(cpath)

	var after string
	if params.ReplaceAll {
		after = re.ReplaceAllString(before, params.Replacement)
	} else {
		loc := re.FindStringIndex(before)
		if loc == nil {
			return false, nil, &refactd.ErrNotFound{Kind: "symbol", What: fmt.Sprintf("pattern %q in %s", params.Pattern, cpath)}
		}
		replaced := re.ReplaceAllString(before[loc[0]:loc[1]], params.Replacement)
		after = before[:loc[0]] + replaced + before[loc[1]:]
	}

	if err := t.p.fs.WriteFile(cpath, []byte(after), 0o644); err != nil {
		return false, nil, &refactd.ErrTransport{Target: cpath, Cause: err}
	}
	afterCounts := t.p.syncAST(cpath)

	if err := guardrailCheck(cpath, beforeCounts, afterCounts); err != nil {
		t.p.fs.WriteFile(cpath, raw, 0o644)
		t.p.syncAST(cpath)
		return false, nil, err
	}

	chunks := ConvertEditToDiffChunks(cpath, before, after, refactd.FileActionEdit)
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.DiffMessage(chunks))}, nil
}

// --- update_textdoc_by_lines ---

// UpdateTextdocByLines replaces one or more line ranges in a file.
type UpdateTextdocByLines struct{ p *pipeline }

func NewUpdateTextdocByLines(fs refactd.FileSystem, privacy refactd.PrivacyFilter, idx *ast.Indexer) *UpdateTextdocByLines {
	return &UpdateTextdocByLines{p: newPipeline(fs, privacy, idx)}
}

const rangesDoc = `Line ranges to replace, 1-based and inclusive, comma-separated: ` +
	`":3" means lines 1 through 3, "40:50" means lines 40 through 50, "100:" means ` +
	`line 100 through end of file, and a bare "5" means line 5 only. Ranges must not ` +
	`overlap. When more than one range is given, separate the corresponding content ` +
	`blocks with a line containing exactly ---RANGE_SEPARATOR---, in the same order ` +
	`as the ranges.`

func (t *UpdateTextdocByLines) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "update_textdoc_by_lines",
		Description: "Replace one or more line ranges in a file with new content.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"path":{"type":"string","description":"File to edit, relative to the workspace root"},
			"ranges":{"type":"string","description":"` + rangesDoc + `"},
			"content":{"type":"string","description":"Replacement content for the given range(s)"}
		},"required":["path","ranges","content"]}`),
		RequiredParams: []string{"path", "ranges", "content"},
		Agentic:        true,
		Source:         "builtin",
	}
}

func (t *UpdateTextdocByLines) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmAsk, Rule: "update_textdoc_by_lines*", Command: "update_textdoc_by_lines"}
}

func (t *UpdateTextdocByLines) DependsOn() []string { return []string{"ast"} }

func (t *UpdateTextdocByLines) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Path    string `json:"path"`
		Ranges  string `json:"ranges"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "update_textdoc_by_lines args", Cause: err}
	}
	ranges, err := ParseRanges(params.Ranges)
	if err != nil {
		return false, nil, &refactd.ErrParse{Source: "update_textdoc_by_lines ranges", Cause: err}
	}

	cpath, err := t.p.normalize(params.Path)
	if err != nil {
		return false, nil, err
	}
	raw, err := t.p.fs.ReadFile(cpath)
	if err != nil {
		return false, nil, &refactd.ErrNotFound{Kind: "file", What: cpath}
	}
	before := string(raw)
	beforeCounts := t.p.awaitAST(cpath)

	beforeLines := strings.Split(before, "\n")
	afterLines, err := ApplyRanges(beforeLines, ranges, params.Content)
	if err != nil {
		return false, nil, &refactd.ErrParse{Source: "update_textdoc_by_lines", Cause: err}
	}
	after := strings.Join(afterLines, "\n")

	if err := t.p.fs.WriteFile(cpath, []byte(after), 0o644); err != nil {
		return false, nil, &refactd.ErrTransport{Target: cpath, Cause: err}
	}
	afterCounts := t.p.syncAST(cpath)

	if err := guardrailCheck(cpath, beforeCounts, afterCounts); err != nil {
		t.p.fs.WriteFile(cpath, raw, 0o644)
		t.p.syncAST(cpath)
		return false, nil, err
	}

	chunks := ConvertEditToDiffChunks(cpath, before, after, refactd.FileActionEdit)
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.DiffMessage(chunks))}, nil
}

// ApplyTicket dispatches a parsed Ticket to the matching tool, used by the
// assistant-message post-processing step that turns 📍 tickets embedded in a
// completion into actual edits.
func ApplyTicket(ctx context.Context, ccx *refactd.ToolCtx, callID string, t Ticket, reg *refactd.Registry) (bool, []refactd.ContextEnum, error) {
	if err := t.Validate(); err != nil {
		return false, nil, &refactd.ErrParse{Source: "ticket " + t.ID, Cause: err}
	}

	var toolName string
	var args any
	switch t.Action {
	case ActionCreate:
		toolName = "create_textdoc"
		args = map[string]any{"path": t.Filename, "content": t.Content}
	case ActionReplace:
		toolName = "replace_textdoc"
		args = map[string]any{"path": t.Filename, "content": t.Content}
	case ActionUpdateRegex:
		toolName = "update_textdoc_regex"
		args = map[string]any{"path": t.Filename, "pattern": t.LocateAs, "replacement": t.Content, "replace_all": t.LocateSymbol == "all"}
	case ActionUpdateByLine:
		toolName = "update_textdoc_by_lines"
		args = map[string]any{"path": t.Filename, "ranges": t.LocateAs, "content": t.Content}
	default:
		return false, nil, &refactd.ErrParse{Source: "ticket " + t.ID, Cause: fmt.Errorf("unknown action %s", t.Action)}
	}

	tool := reg.Lookup(toolName)
	if tool == nil {
		return false, nil, &refactd.ErrNotFound{Kind: "tool", What: toolName}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return false, nil, &refactd.ErrParse{Source: "ticket " + t.ID, Cause: err}
	}
	return tool.Execute(ctx, ccx, callID, raw)
}

var (
	_ refactd.Tool = (*CreateTextdoc)(nil)
	_ refactd.Tool = (*ReplaceTextdoc)(nil)
	_ refactd.Tool = (*UpdateTextdocRegex)(nil)
	_ refactd.Tool = (*UpdateTextdocByLines)(nil)
)

package ast

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Reference is a use-site of a name found while walking a parsed file,
// consumed by the usage-connection phase.
type Reference struct {
	Name string
	Line int
}

// fileAnalysis is what Parse extracts from one file: its definitions and its
// outgoing references, keyed by the bare (unqualified) name a reference
// names — resolution against full symbol paths happens in the connection
// phase, not here.
type fileAnalysis struct {
	defs []Definition
	refs []Reference
}

// Parser wraps tree-sitter for the handful of grammars this daemon ships
// with: one *sitter.Parser, language selected by extension, definitions
// walked out of the resulting tree.
type Parser struct {
	parser *sitter.Parser
}

// NewParser returns a Parser ready to parse any supported extension.
func NewParser() *Parser {
	return &Parser{parser: sitter.NewParser()}
}

// Close releases the underlying tree-sitter parser.
func (p *Parser) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}

// ErrUnsupportedLanguage is returned by Parse for extensions with no grammar
// wired in; the Indexer treats it as a non-fatal, per-file skip.
type ErrUnsupportedLanguage struct{ Ext string }

func (e *ErrUnsupportedLanguage) Error() string {
	return fmt.Sprintf("unsupported language for extension %q", e.Ext)
}

func languageFor(path string) (*sitter.Language, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return golang.GetLanguage(), nil
	case ".js", ".jsx", ".mjs":
		return javascript.GetLanguage(), nil
	default:
		return nil, &ErrUnsupportedLanguage{Ext: filepath.Ext(path)}
	}
}

// Parse produces the definitions and references found in source. cpath names
// the file for error messages only; language selection is by extension.
func (p *Parser) Parse(ctx context.Context, cpath string, source []byte) (fileAnalysis, error) {
	lang, err := languageFor(cpath)
	if err != nil {
		return fileAnalysis{}, err
	}
	p.parser.SetLanguage(lang)
	tree, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return fileAnalysis{}, &ErrParse{Cpath: cpath, Cause: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return fileAnalysis{}, &ErrParse{Cpath: cpath, Cause: fmt.Errorf("empty parse tree")}
	}

	var fa fileAnalysis
	switch strings.ToLower(filepath.Ext(cpath)) {
	case ".go":
		fa = walkGo(root, source)
	default:
		fa = walkJS(root, source)
	}
	return fa, countParseErrors(root, cpath)
}

// countParseErrors walks the tree looking for tree-sitter ERROR/MISSING
// nodes and returns an *ErrParse-free nil when none are found, otherwise an
// error whose count the Indexer/guardrail can read via ParseErrorCount.
func countParseErrors(root *sitter.Node, cpath string) error {
	n := 0
	var walk func(*sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		if node.IsError() || node.IsMissing() {
			n++
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(root)
	if n == 0 {
		return nil
	}
	return &ParseErrorCount{Cpath: cpath, Count: n}
}

// ParseErrorCount is a non-fatal signal: the file parsed but tree-sitter
// recovered from n ERROR/MISSING nodes. The Indexer records Count into
// FileErrorCounts.ParseErrors rather than treating it as ErrParse.
type ParseErrorCount struct {
	Cpath string
	Count int
}

func (e *ParseErrorCount) Error() string {
	return fmt.Sprintf("%s: %d tree-sitter error node(s)", e.Cpath, e.Count)
}

// ErrParse signals tree-sitter could not produce any tree at all (as
// opposed to a tree with recovered ERROR nodes).
type ErrParse struct {
	Cpath string
	Cause error
}

func (e *ErrParse) Error() string { return fmt.Sprintf("parse error in %s: %v", e.Cpath, e.Cause) }
func (e *ErrParse) Unwrap() error { return e.Cause }

func walkGo(root *sitter.Node, source []byte) fileAnalysis {
	var fa fileAnalysis
	var path []string
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		switch node.Type() {
		case "function_declaration", "method_declaration":
			name := childText(node, "name", source)
			full := append(append([]string{}, path...), name)
			fa.defs = append(fa.defs, Definition{
				OfficialPath: full,
				SymbolType:   "function",
				FullLine1:    int(node.StartPoint().Row) + 1,
				FullLine2:    int(node.EndPoint().Row) + 1,
				BodyLine1:    bodyStart(node, "body"),
				BodyLine2:    int(node.EndPoint().Row) + 1,
			})
		case "type_declaration":
			for i := 0; i < int(node.NamedChildCount()); i++ {
				spec := node.NamedChild(i)
				name := childText(spec, "name", source)
				kind := "struct"
				if t := spec.ChildByFieldName("type"); t != nil && t.Type() == "interface_type" {
					kind = "interface"
				}
				full := append(append([]string{}, path...), name)
				fa.defs = append(fa.defs, Definition{
					OfficialPath: full,
					SymbolType:   kind,
					FullLine1:    int(spec.StartPoint().Row) + 1,
					FullLine2:    int(spec.EndPoint().Row) + 1,
				})
			}
		case "call_expression":
			if fn := node.ChildByFieldName("function"); fn != nil {
				fa.refs = append(fa.refs, Reference{
					Name: lastSelector(fn.Content(source)),
					Line: int(fn.StartPoint().Row) + 1,
				})
			}
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(root)
	return fa
}

func walkJS(root *sitter.Node, source []byte) fileAnalysis {
	var fa fileAnalysis
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		switch node.Type() {
		case "function_declaration":
			name := childText(node, "name", source)
			fa.defs = append(fa.defs, Definition{
				OfficialPath: []string{name},
				SymbolType:   "function",
				FullLine1:    int(node.StartPoint().Row) + 1,
				FullLine2:    int(node.EndPoint().Row) + 1,
				BodyLine1:    bodyStart(node, "body"),
				BodyLine2:    int(node.EndPoint().Row) + 1,
			})
		case "class_declaration":
			name := childText(node, "name", source)
			fa.defs = append(fa.defs, Definition{
				OfficialPath: []string{name},
				SymbolType:   "struct",
				FullLine1:    int(node.StartPoint().Row) + 1,
				FullLine2:    int(node.EndPoint().Row) + 1,
			})
		case "method_definition":
			name := childText(node, "name", source)
			fa.defs = append(fa.defs, Definition{
				OfficialPath: []string{name},
				SymbolType:   "function",
				FullLine1:    int(node.StartPoint().Row) + 1,
				FullLine2:    int(node.EndPoint().Row) + 1,
				BodyLine1:    bodyStart(node, "body"),
				BodyLine2:    int(node.EndPoint().Row) + 1,
			})
		case "call_expression":
			if fn := node.ChildByFieldName("function"); fn != nil {
				fa.refs = append(fa.refs, Reference{
					Name: lastSelector(fn.Content(source)),
					Line: int(fn.StartPoint().Row) + 1,
				})
			}
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(root)
	return fa
}

func childText(node *sitter.Node, field string, source []byte) string {
	if node == nil {
		return ""
	}
	if c := node.ChildByFieldName(field); c != nil {
		return c.Content(source)
	}
	return ""
}

func bodyStart(node *sitter.Node, field string) int {
	if b := node.ChildByFieldName(field); b != nil {
		return int(b.StartPoint().Row) + 1
	}
	return 0
}

func lastSelector(expr string) string {
	if i := strings.LastIndexByte(expr, '.'); i >= 0 {
		return expr[i+1:]
	}
	return expr
}

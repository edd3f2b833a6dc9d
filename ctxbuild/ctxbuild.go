// Package ctxbuild implements the context builder / postprocessor: it turns
// a list of ContextFile "hits" (from search, references, locate) into a
// token-budgeted, skeletonized set of file excerpts ready to inject into the
// next generation turn.
package ctxbuild

import (
	"hash/fnv"
	"strings"

	"github.com/relayforge/refactd"
	"github.com/relayforge/refactd/ast"
)

// Default coloring coefficients; callers needing a different profile
// construct a Builder with WithCoefficients.
const (
	defaultUsefulStruct    = 65.0
	defaultUsefulFunction  = 55.0
	defaultUsefulComment   = 50.0
	defaultUsefulSymbol    = 50.0 // "else" case in pass 1
	defaultUsefulBackground = 10.0

	defaultDowngradeParentCoef = 0.3
	defaultDowngradeBodyCoef   = 0.8

	defaultTakeFloor = 40.0
	defaultMaxFilesN = 8
)

// minusOne is the always-excluded sentinel a negative-usefulness hit paints
// a line with.
const minusOne = -1 << 30

// FileSource supplies file text and an approximate token counter to the
// Builder. Implementations typically wrap the same FileSystem port the rest
// of the daemon uses.
type FileSource interface {
	ReadFile(path string) (string, error)
}

// Tokenizer counts tokens for budget accounting; falls back to a byte-length
// heuristic when nil.
type Tokenizer interface {
	CountTokens(text string) int
}

// Coefficients overrides the default coloring/downgrade constants.
type Coefficients struct {
	UsefulStruct      float64
	UsefulFunction     float64
	UsefulComment      float64
	UsefulSymbol       float64
	UsefulBackground   float64
	DowngradeParent    float64
	DowngradeBody      float64
	TakeFloor          float64
	MaxFilesN          int
}

func defaultCoefficients() Coefficients {
	return Coefficients{
		UsefulStruct:     defaultUsefulStruct,
		UsefulFunction:   defaultUsefulFunction,
		UsefulComment:    defaultUsefulComment,
		UsefulSymbol:     defaultUsefulSymbol,
		UsefulBackground: defaultUsefulBackground,
		DowngradeParent:  defaultDowngradeParentCoef,
		DowngradeBody:    defaultDowngradeBodyCoef,
		TakeFloor:        defaultTakeFloor,
		MaxFilesN:        defaultMaxFilesN,
	}
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCoefficients overrides the default scoring constants.
func WithCoefficients(c Coefficients) BuilderOption {
	return func(b *Builder) { b.coef = c }
}

// WithTokenizer sets the token counter.
func WithTokenizer(t Tokenizer) BuilderOption {
	return func(b *Builder) { b.tokenizer = t }
}

// Builder runs the four-pass postprocessing algorithm: background coloring,
// hit projection, sub-symbol downgrade, and small-gap closing.
type Builder struct {
	Files FileSource
	DB    *ast.DB

	coef      Coefficients
	tokenizer Tokenizer
}

// NewBuilder constructs a Builder reading file text from files and symbol
// ranges from db.
func NewBuilder(files FileSource, db *ast.DB, opts ...BuilderOption) *Builder {
	b := &Builder{Files: files, DB: db, coef: defaultCoefficients()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// fileState is the per-file working set carried across the four passes.
type fileState struct {
	path             string
	lines            []string
	useful           []float64
	takeIgnoringFloor bool
	symmetryBreaker  float64
}

func (b *Builder) countTokens(s string) int {
	if b.tokenizer != nil {
		return b.tokenizer.CountTokens(s)
	}
	n := len(s) / 4
	if n < 1 && s != "" {
		n = 1
	}
	return n
}

// symmetryBreaker returns a small deterministic per-file constant
// guaranteeing stable tie-breaking across files with identical scores.
func symmetryBreaker(cpath string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cpath))
	return float64(h.Sum32()%1000) / 1_000_000 // << 1.0, never perturbs real ordering
}

// Build runs all four passes plus selection and returns one ContextFile per
// touched file, respecting tokenBudget.
func (b *Builder) Build(hits []refactd.ContextFile, tokenBudget int, singleFileMode bool) ([]refactd.ContextFile, error) {
	states := make(map[string]*fileState)
	order := make([]string, 0)

	ensure := func(path string) (*fileState, error) {
		if fs, ok := states[path]; ok {
			return fs, nil
		}
		text, err := b.Files.ReadFile(path)
		if err != nil {
			return nil, err
		}
		lines := strings.Split(text, "\n")
		fs := &fileState{
			path:            path,
			lines:           lines,
			useful:          make([]float64, len(lines)),
			symmetryBreaker: symmetryBreaker(path),
		}
		b.colorBackground(fs)
		states[path] = fs
		order = append(order, path)
		return fs, nil
	}

	// Hits marked SkipPP bypass all four passes and the selector entirely:
	// they're passed through verbatim, but
	// still count against the budget so later, scored hits don't overrun it.
	var pinned []refactd.ContextFile
	budget := tokenBudget
	for _, hit := range hits {
		if !hit.SkipPP {
			continue
		}
		pinned = append(pinned, hit)
		if tokenBudget > 0 { // tokenBudget <= 0 means unlimited; nothing to charge against
			budget -= b.countTokens(hit.FileContent) + b.countTokens(hit.FileName) + 2
			if budget < 1 {
				budget = 1 // keep selection "bounded but active" rather than reverting to unlimited
			}
		}
	}

	// Pass 1 (background) runs implicitly via ensure() for every file a hit
	// touches, then pass 2 (hit projection) below.
	for _, hit := range hits {
		if hit.SkipPP {
			continue
		}
		fs, err := ensure(hit.FileName)
		if err != nil {
			continue // unreadable hit source is skipped, not fatal to the turn
		}
		b.projectHit(fs, hit)
	}

	// Pass 3: sub-symbol downgrade.
	for _, fs := range states {
		b.downgradeBodies(fs)
	}

	// Pass 4: small-gap closing.
	for _, fs := range states {
		closeSmallGaps(fs.useful)
	}

	selected := b.selectAndFlatten(states, order, budget, singleFileMode)
	return append(pinned, selected...), nil
}

// colorBackground implements pass 1: AST definitions color their full range
// to a per-kind default; everything else gets UsefulBackground. Files with
// no AST symbols set takeIgnoringFloor so pass "Selection" never drops
// their lines to the floor filter.
func (b *Builder) colorBackground(fs *fileState) {
	for i := range fs.useful {
		fs.useful[i] = b.coef.UsefulBackground
	}
	defs := b.DB.Definitions(fs.path)
	if len(defs) == 0 {
		fs.takeIgnoringFloor = true
		return
	}
	for _, d := range defs {
		score := b.coef.UsefulSymbol
		switch d.SymbolType {
		case "struct", "interface":
			score = b.coef.UsefulStruct
		case "function":
			score = b.coef.UsefulFunction
		case "comment":
			score = b.coef.UsefulComment
		}
		paintMax(fs.useful, d.FullLine1, d.FullLine2, score)
	}
}

// projectHit implements pass 2.
func (b *Builder) projectHit(fs *fileState, hit refactd.ContextFile) {
	if hit.Usefulness < 0 {
		paintSentinel(fs.useful, hit.Line1, hit.Line2)
		return
	}

	switch {
	case len(hit.Symbols) > 0:
		for _, sym := range hit.Symbols {
			matches := b.DB.SymbolsByPath(sym)
			for cpath, defs := range matches {
				if cpath != fs.path {
					continue
				}
				for _, d := range defs {
					paintMax(fs.useful, d.FullLine1, d.FullLine2, hit.Usefulness)
					b.liftParent(fs, d, hit.Usefulness)
					b.liftLeadingComment(fs, d.FullLine1)
				}
			}
		}
	case hit.Line1 == 0 && hit.Line2 == 0:
		paintMax(fs.useful, 1, len(fs.lines), hit.Usefulness)
	default:
		paintMax(fs.useful, hit.Line1, hit.Line2, hit.Usefulness)
		b.liftLeadingComment(fs, hit.Line1)
	}
}

// liftParent partially raises the range of the symbol enclosing d so the
// model sees where the symbol lives, without making the parent as visible
// as the symbol itself.
func (b *Builder) liftParent(fs *fileState, d ast.Definition, usefulness float64) {
	if len(d.OfficialPath) < 2 {
		return
	}
	parentPath := strings.Join(d.OfficialPath[:len(d.OfficialPath)-1], "::")
	for _, parent := range b.DB.Definitions(fs.path) {
		if parent.Path() == parentPath {
			paintMax(fs.useful, parent.FullLine1, parent.FullLine2, usefulness*b.coef.DowngradeParent)
		}
	}
}

// liftLeadingComment lifts a comment-typed definition immediately above
// lineStart along with the region it documents.
func (b *Builder) liftLeadingComment(fs *fileState, lineStart int) {
	for _, d := range b.DB.Definitions(fs.path) {
		if d.SymbolType == "comment" && d.FullLine2 == lineStart-1 {
			paintMax(fs.useful, d.FullLine1, d.FullLine2, fs.useful[clampIdx(lineStart-1, len(fs.useful))])
		}
	}
}

// downgradeBodies implements pass 3: a symbol's body range is scaled down so
// the declaration line stays relatively more useful under budget pressure.
func (b *Builder) downgradeBodies(fs *fileState) {
	for _, d := range b.DB.Definitions(fs.path) {
		if !d.HasBody() {
			continue
		}
		for line := d.BodyLine1; line <= d.BodyLine2; line++ {
			i := line - 1
			if i < 0 || i >= len(fs.useful) {
				continue
			}
			fs.useful[i] *= b.coef.DowngradeBody
		}
	}
}

// closeSmallGaps implements pass 4: a three-line morphological closing that
// removes one-line holes, so excerpts don't fragment into ugly
// "..."-stitched runs over a single skipped line. Lines carrying the
// minusOne sentinel are left excluded.
func closeSmallGaps(u []float64) {
	if len(u) < 3 {
		return
	}
	out := make([]float64, len(u))
	copy(out, u)
	for i := 1; i < len(u)-1; i++ {
		if u[i] == minusOne {
			continue
		}
		m := u[i-1]
		if u[i+1] < m {
			m = u[i+1]
		}
		if m > out[i] {
			out[i] = m
		}
	}
	copy(u, out)
}

func paintMax(useful []float64, line1, line2 int, score float64) {
	for line := line1; line <= line2; line++ {
		i := line - 1
		if i < 0 || i >= len(useful) {
			continue
		}
		if score > useful[i] {
			useful[i] = score
		}
	}
}

func paintSentinel(useful []float64, line1, line2 int) {
	for line := line1; line <= line2; line++ {
		i := line - 1
		if i < 0 || i >= len(useful) {
			continue
		}
		useful[i] = minusOne
	}
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

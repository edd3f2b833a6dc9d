package vecdb

import (
	"log/slog"
	"strings"
)

// linesOverlap is the overlap (in lines) applied when an oversize chunk is
// re-split down to the tokens limit.
const linesOverlap = 3

// approxTokensPerLine is the fallback heuristic when no tokenizer is
// configured: ~4 bytes/token, so a line's token count is its byte length / 4,
// floored at 1 for non-empty lines.
func approxTokensPerLine(line string) int {
	if line == "" {
		return 0
	}
	n := len(line) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Tokenizer counts tokens the way the model consuming the split will, so
// window sizing matches the actual prompt budget. When nil, splitters fall
// back to approxTokensPerLine.
type Tokenizer interface {
	CountTokens(text string) int
}

// SplitterOption configures a Splitter.
type SplitterOption func(*splitterConfig)

type splitterConfig struct {
	softWindow   int
	tokensLimit  int
	tokenizer    Tokenizer
	logger       *slog.Logger
}

func defaultSplitterConfig() splitterConfig {
	return splitterConfig{softWindow: 512, tokensLimit: 1024, logger: slog.New(slog.DiscardHandler)}
}

// WithSoftWindow sets the target window size in tokens; the splitter breaks
// preferentially on blank lines once a window reaches this size.
func WithSoftWindow(n int) SplitterOption { return func(c *splitterConfig) { c.softWindow = n } }

// WithTokensLimit sets the hard cap a window is re-split down to when no
// blank-line break point keeps it under budget.
func WithTokensLimit(n int) SplitterOption { return func(c *splitterConfig) { c.tokensLimit = n } }

// WithTokenizer sets the token counter; omit to use the byte-length
// heuristic.
func WithTokenizer(t Tokenizer) SplitterOption { return func(c *splitterConfig) { c.tokenizer = t } }

// WithSplitterLogger attaches a logger.
func WithSplitterLogger(l *slog.Logger) SplitterOption { return func(c *splitterConfig) { c.logger = l } }

// Splitter is the generic line-based sliding-window splitter:
// it grows a window until it reaches softWindow tokens, preferring to break
// on a blank line, then re-splits any window still over tokensLimit with
// linesOverlap lines of overlap between the halves.
type Splitter struct {
	cfg splitterConfig
}

// NewSplitter constructs a Splitter.
func NewSplitter(opts ...SplitterOption) *Splitter {
	cfg := defaultSplitterConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Splitter{cfg: cfg}
}

func (s *Splitter) tokenCount(text string) int {
	if s.cfg.tokenizer != nil {
		return s.cfg.tokenizer.CountTokens(text)
	}
	n := 0
	for _, line := range strings.Split(text, "\n") {
		n += approxTokensPerLine(line)
	}
	return n
}

// Split produces SplitResult windows over text, line 1-based.
func (s *Splitter) Split(filePath, text string) []SplitResult {
	lines := strings.Split(text, "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}

	var windows [][2]int // [startLine0, endLine0) half-open, 0-based
	start := 0
	tokens := 0
	lastBlank := -1
	for i, line := range lines {
		tokens += s.lineTokens(line)
		if strings.TrimSpace(line) == "" {
			lastBlank = i
		}
		if tokens >= s.cfg.softWindow {
			end := i + 1
			if lastBlank > start {
				end = lastBlank + 1
			}
			windows = append(windows, [2]int{start, end})
			start = end
			tokens = 0
			lastBlank = -1
		}
	}
	if start < len(lines) {
		windows = append(windows, [2]int{start, len(lines)})
	}

	var out []SplitResult
	for _, w := range windows {
		out = append(out, s.resplitIfOversize(filePath, lines, w[0], w[1])...)
	}
	return out
}

func (s *Splitter) lineTokens(line string) int {
	if s.cfg.tokenizer != nil {
		return s.cfg.tokenizer.CountTokens(line)
	}
	return approxTokensPerLine(line)
}

// resplitIfOversize re-splits a window still over tokensLimit into
// overlapping halves, recursively, keeping linesOverlap lines of context
// between adjacent halves. A window too short for both overlapping halves
// to be smaller than it is split into two plain halves instead.
func (s *Splitter) resplitIfOversize(filePath string, lines []string, start, end int) []SplitResult {
	window := strings.Join(lines[start:end], "\n")
	if s.tokenCount(window) <= s.cfg.tokensLimit || end-start <= 1 {
		return []SplitResult{s.toSplitResult(filePath, lines, start, end)}
	}
	mid := start + (end-start)/2
	leftEnd := mid + linesOverlap
	if leftEnd > end {
		leftEnd = end
	}
	rightStart := mid - linesOverlap
	if rightStart < start {
		rightStart = start
	}
	if leftEnd >= end || rightStart <= start {
		leftEnd, rightStart = mid, mid
	}
	left := s.resplitIfOversize(filePath, lines, start, leftEnd)
	right := s.resplitIfOversize(filePath, lines, rightStart, end)
	return append(left, right...)
}

func (s *Splitter) toSplitResult(filePath string, lines []string, start, end int) SplitResult {
	text := strings.Join(lines[start:end], "\n")
	return SplitResult{
		FilePath:       filePath,
		WindowText:     text,
		WindowTextHash: HashWindowText(text),
		StartLine:      start + 1,
		EndLine:        end,
	}
}

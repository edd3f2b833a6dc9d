package ast

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/relayforge/refactd"
)

// IndexerState is the indexer lifecycle: starting, indexing, done.
type IndexerState string

const (
	StateStarting  IndexerState = "starting"
	StateIndexing  IndexerState = "indexing"
	StateDone      IndexerState = "done"
)

// Status is published periodically and read by
// callers that want progress without blocking on BlockUntilFinished.
type Status struct {
	FilesUnparsed int
	FilesTotal    int
	SymbolsTotal  int
	State         IndexerState
	CeilingHit    bool
}

// FileReader abstracts reading a file's current text, memory first then
// disk. Implementations backed by an in-memory editor buffer should check
// that before falling back to os.ReadFile.
type FileReader interface {
	ReadFile(cpath string) ([]byte, error)
}

// osFileReader is the disk-only default.
type osFileReader struct{}

func (osFileReader) ReadFile(cpath string) ([]byte, error) { return os.ReadFile(cpath) }

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithMaxFiles bounds the pending queue.
// When the pending set exceeds it, the oldest entries are dropped and
// Status.CeilingHit is set. Zero means "enqueue nothing, index nothing" —
// an empty index with the ceiling flag raised, never a panic.
func WithMaxFiles(n int) IndexerOption {
	return func(idx *Indexer) { idx.maxFiles = n }
}

// WithFileReader overrides the default disk-only reader.
func WithFileReader(r FileReader) IndexerOption {
	return func(idx *Indexer) { idx.reader = r }
}

// WithIndexerLogger attaches a logger; errors are logged and counted, never
// fatal to the indexer loop.
func WithIndexerLogger(l *slog.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithIndexerTracer attaches a Tracer so the per-file parse cycle and the
// usage-connection phase each produce a span. A nil Tracer (the default)
// disables span creation.
func WithIndexerTracer(t refactd.Tracer) IndexerOption {
	return func(idx *Indexer) { idx.tracer = t }
}

// Indexer is the single background task that owns a DB. All
// mutation of the DB happens on this task's goroutine; callers only ever
// enqueue cpaths and read status/DB contents.
type Indexer struct {
	DB *DB

	maxFiles int
	reader   FileReader
	logger   *slog.Logger
	tracer   refactd.Tracer

	mu         sync.Mutex
	todo       []string
	todoSet    map[string]struct{}
	status     Status
	ceilingHit bool
	errCounts  map[string]int // error kind -> count, process-wide tally

	pendingRefs map[string][]Reference
	lastStats   ConnectionStats

	wake         chan struct{}
	interruptUCP chan struct{} // closed/recreated to preempt the usage-connection phase
	done         chan struct{}
}

// NewIndexer constructs an Indexer bound to a fresh DB.
func NewIndexer(opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		DB:        NewDB(),
		maxFiles:  -1, // unbounded unless WithMaxFiles is given
		reader:    osFileReader{},
		logger:    slog.New(slog.DiscardHandler),
		todoSet:     make(map[string]struct{}),
		errCounts:   make(map[string]int),
		pendingRefs: make(map[string][]Reference),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(idx)
	}
	idx.status.State = StateStarting
	return idx
}

// Enqueue adds cpaths to ast_todo, deduplicating and preempting any
// in-progress usage-connection phase. When maxFiles is exceeded,
// the oldest pending entries are dropped and CeilingHit is set.
func (idx *Indexer) Enqueue(cpaths ...string) {
	if len(cpaths) == 0 {
		return
	}
	idx.mu.Lock()
	for _, cpath := range cpaths {
		if _, ok := idx.todoSet[cpath]; ok {
			continue
		}
		idx.todo = append(idx.todo, cpath)
		idx.todoSet[cpath] = struct{}{}
	}
	if idx.maxFiles >= 0 && len(idx.todo) > idx.maxFiles {
		drop := len(idx.todo) - idx.maxFiles
		for _, cpath := range idx.todo[:drop] {
			delete(idx.todoSet, cpath)
		}
		idx.todo = idx.todo[drop:]
		idx.ceilingHit = true
	}
	idx.mu.Unlock()
	if idx.interruptUCP != nil {
		select {
		case <-idx.interruptUCP:
		default:
			close(idx.interruptUCP)
		}
	}
	select {
	case idx.wake <- struct{}{}:
	default:
	}
}

// Remove drops a cpath's entries immediately (file delete).
func (idx *Indexer) Remove(cpath string) {
	idx.DB.replace(cpath, nil, FileErrorCounts{})
	idx.mu.Lock()
	delete(idx.todoSet, cpath)
	idx.mu.Unlock()
}

// StatusSnapshot returns the current Status.
func (idx *Indexer) StatusSnapshot() Status {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s := idx.status
	s.CeilingHit = idx.ceilingHit
	return s
}

// Run drives the background loop: pop-parse-publish, then a preemptible
// usage-connection phase once the queue drains. Run blocks until ctx is
// cancelled.
func (idx *Indexer) Run(ctx context.Context) {
	defer close(idx.done)
	statusTicker := time.NewTicker(time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			idx.publishStatus()
		case <-idx.wake:
		}

		for {
			cpath, ok := idx.pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			idx.indexOne(cpath)
		}
		idx.publishStatus()

		idx.mu.Lock()
		idx.status.State = StateDone
		idx.mu.Unlock()

		idx.runUsageConnectionPhase(ctx)
	}
}

// Done returns a channel closed when Run returns.
func (idx *Indexer) Done() <-chan struct{} { return idx.done }

// BlockUntilFinished waits up to maxMS for the todo queue to drain and the
// last popped file to finish indexing, so patch tools can query a settled
// index. Callers must tolerate early return (the deadline elapsing before
// the queue drains is not an error).
func (idx *Indexer) BlockUntilFinished(maxMS int) {
	deadline := time.Now().Add(time.Duration(maxMS) * time.Millisecond)
	for {
		idx.mu.Lock()
		empty := len(idx.todo) == 0 && idx.status.State != StateIndexing
		idx.mu.Unlock()
		if empty || time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (idx *Indexer) pop() (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.todo) == 0 {
		return "", false
	}
	cpath := idx.todo[0]
	idx.todo = idx.todo[1:]
	delete(idx.todoSet, cpath)
	idx.status.State = StateIndexing
	return cpath, true
}

func (idx *Indexer) indexOne(cpath string) {
	if idx.tracer != nil {
		var span refactd.Span
		_, span = idx.tracer.Start(context.Background(), "ast.index_one", refactd.StringAttr("cpath", cpath))
		defer span.End()
	}

	idx.DB.replace(cpath, nil, FileErrorCounts{})

	src, err := idx.reader.ReadFile(cpath)
	if err != nil {
		idx.countErr("read")
		idx.logger.Warn("ast indexer: read failed", "cpath", cpath, "err", err)
		return
	}

	parser := NewParser()
	defer parser.Close()
	fa, perr := parser.Parse(context.Background(), cpath, src)

	var fec FileErrorCounts
	var pec *ParseErrorCount
	switch {
	case perr == nil:
	case errors.As(perr, &pec):
		fec.ParseErrors = pec.Count
	default:
		idx.countErr("parse")
		idx.logger.Warn("ast indexer: parse failed", "cpath", cpath, "err", perr)
		return
	}

	idx.DB.replace(cpath, fa.defs, fec)

	idx.mu.Lock()
	idx.status.FilesTotal++
	idx.status.SymbolsTotal += len(fa.defs)
	idx.pendingRefs[cpath] = fa.refs
	idx.mu.Unlock()
}

func (idx *Indexer) countErr(kind string) {
	idx.mu.Lock()
	idx.errCounts[kind]++
	idx.mu.Unlock()
}

func (idx *Indexer) publishStatus() {
	idx.mu.Lock()
	idx.status.FilesUnparsed = len(idx.todo)
	idx.mu.Unlock()
}

// runUsageConnectionPhase links references -> definitions across every file
// indexed so far. It is preemptible: any Enqueue call closes
// interruptUCP, and the phase bails out early, picking the link-up back on
// the next drain.
func (idx *Indexer) runUsageConnectionPhase(ctx context.Context) {
	if idx.tracer != nil {
		var span refactd.Span
		ctx, span = idx.tracer.Start(ctx, "ast.usage_connection_phase")
		defer span.End()
	}

	idx.mu.Lock()
	idx.interruptUCP = make(chan struct{})
	interrupt := idx.interruptUCP
	refsByFile := idx.pendingRefs
	idx.mu.Unlock()

	idx.DB.resetUsage()

	byName := make(map[string][]string) // bare name -> symbol paths ending in it
	for _, cpath := range idx.DB.AllFiles() {
		for _, d := range idx.DB.Definitions(cpath) {
			if len(d.OfficialPath) == 0 {
				continue
			}
			name := d.OfficialPath[len(d.OfficialPath)-1]
			byName[name] = append(byName[name], d.Path())
		}
	}

	var stats ConnectionStats
	sites := make(map[string][]UsageSite)

	for cpath, refs := range refsByFile {
		select {
		case <-ctx.Done():
			return
		case <-interrupt:
			return
		default:
		}
		for _, ref := range refs {
			candidates := byName[ref.Name]
			switch len(candidates) {
			case 0:
				stats.NotFound++
			case 1:
				sites[candidates[0]] = append(sites[candidates[0]], UsageSite{Cpath: cpath, Line: ref.Line})
				stats.Connected++
			default:
				stats.Ambiguous++
			}
		}
	}
	for _, cands := range byName {
		for _, path := range cands {
			if _, used := sites[path]; !used {
				stats.Homeless++
			}
		}
	}

	for path, s := range sites {
		idx.DB.setUsage(path, s)
	}

	idx.mu.Lock()
	idx.lastStats = stats
	idx.mu.Unlock()
}

// LastConnectionStats returns the stats from the most recently completed
// usage-connection phase.
func (idx *Indexer) LastConnectionStats() ConnectionStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastStats
}

// ErrorCounts returns a copy of the per-kind error tally accumulated across
// the indexer's lifetime.
func (idx *Indexer) ErrorCounts() map[string]int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]int, len(idx.errCounts))
	for k, v := range idx.errCounts {
		out[k] = v
	}
	return out
}


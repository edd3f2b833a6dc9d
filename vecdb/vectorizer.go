package vecdb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relayforge/refactd"
)

// batchSize is the vectorizer's embedding batch size.
const batchSize = 64

// VectorizerState is the lifecycle: starting -> parsing -> done.
type VectorizerState string

const (
	VecStarting VectorizerState = "starting"
	VecParsing  VectorizerState = "parsing"
	VecDone     VectorizerState = "done"
)

// VectorizerStatus is read by listeners notified on every state transition
// and batch completion.
type VectorizerStatus struct {
	State         VectorizerState
	FilesQueued   int
	FilesEmbedded int
	Truncated     bool // backpressure: queue exceeded the WithMaxFiles bound, excess dropped
}

// pendingFile is one file awaiting (re-)splitting + embedding.
type pendingFile struct {
	path     string
	text     string
	queuedAt time.Time
}

// VectorizerOption configures a Vectorizer.
type VectorizerOption func(*Vectorizer)

// WithCooldown sets the mtime-cooldown duration a changed file sits in the
// delayed queue before promotion to immediate.
func WithCooldown(d time.Duration) VectorizerOption {
	return func(v *Vectorizer) { v.cooldown = d }
}

// WithMaxFiles bounds the combined pending queue; excess is truncated and
// Status.Truncated is set.
func WithMaxFiles(n int) VectorizerOption {
	return func(v *Vectorizer) { v.maxFiles = n }
}

// WithVectorizerLogger attaches a logger.
func WithVectorizerLogger(l *slog.Logger) VectorizerOption {
	return func(v *Vectorizer) { v.logger = l }
}

// WithVectorizerTracer attaches a Tracer so every embed batch produces a
// span. A nil Tracer (the default) disables span creation.
func WithVectorizerTracer(t refactd.Tracer) VectorizerOption {
	return func(v *Vectorizer) { v.tracer = t }
}

// WithSplitters sets the code and Markdown splitters used to turn queued
// files into SplitResults. If omitted they default to NewSplitter() and
// NewMarkdownSplitter() with the default window sizes.
func WithSplitters(code *Splitter, md *MarkdownSplitter) VectorizerOption {
	return func(v *Vectorizer) { v.code, v.md = code, md }
}

// Vectorizer is the single background task that pulls splits, embeds them
// in batches, and upserts into a DB and content-hash cache.
// Pending files sit in a delayed queue (mtime-cooldown) or an immediate
// queue; a cooldown sweep promotes delayed -> immediate once Cooldown has
// elapsed since the file was last touched.
type Vectorizer struct {
	DB       *DB
	Embedder Embedder

	cooldown time.Duration
	maxFiles int
	logger   *slog.Logger
	tracer   refactd.Tracer
	code     *Splitter
	md       *MarkdownSplitter

	mu        sync.Mutex
	delayed   map[string]*pendingFile
	immediate map[string]*pendingFile
	memosDirty bool
	memoFiles  map[string]string

	status VectorizerStatus
	notify chan struct{}
}

// NewVectorizer constructs a Vectorizer bound to db and embedder.
func NewVectorizer(db *DB, embedder Embedder, opts ...VectorizerOption) *Vectorizer {
	v := &Vectorizer{
		DB:        db,
		Embedder:  embedder,
		cooldown:  3 * time.Second,
		maxFiles:  -1,
		logger:    slog.New(slog.DiscardHandler),
		code:      NewSplitter(),
		md:        NewMarkdownSplitter(),
		delayed:   make(map[string]*pendingFile),
		immediate: make(map[string]*pendingFile),
		memoFiles: make(map[string]string),
		notify:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(v)
	}
	v.status.State = VecStarting
	return v
}

// Notify returns the channel signaled on every status transition and batch
// completion.
func (v *Vectorizer) Notify() <-chan struct{} { return v.notify }

// Status returns the current VectorizerStatus.
func (v *Vectorizer) Status() VectorizerStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// EnqueueFile schedules a file for (re-)vectorization. Touching a file
// already in the delayed queue resets its cooldown clock.
func (v *Vectorizer) EnqueueFile(path, text string) {
	v.mu.Lock()
	v.delayed[path] = &pendingFile{path: path, text: text, queuedAt: time.Now()}
	delete(v.immediate, path)
	v.enforceBackpressureLocked()
	v.mu.Unlock()
	v.signal()
}

// MarkMemosDirty interleaves workspace-memo vectorization into the same
// batch stream.
func (v *Vectorizer) MarkMemosDirty(memos map[string]string) {
	v.mu.Lock()
	v.memosDirty = true
	for k, txt := range memos {
		v.memoFiles[k] = txt
	}
	v.mu.Unlock()
	v.signal()
}

func (v *Vectorizer) enforceBackpressureLocked() {
	if v.maxFiles < 0 {
		return
	}
	total := len(v.delayed) + len(v.immediate)
	if total <= v.maxFiles {
		v.status.Truncated = false
		return
	}
	// Drop from delayed first (least urgent); truncation is silent and the
	// order need not be deterministic.
	excess := total - v.maxFiles
	for path := range v.delayed {
		if excess <= 0 {
			break
		}
		delete(v.delayed, path)
		excess--
	}
	v.status.Truncated = true
}

func (v *Vectorizer) signal() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// Run drives the cooldown promotion + batch embedding loop until ctx is
// cancelled.
func (v *Vectorizer) Run(ctx context.Context) {
	cooldownTick := time.NewTicker(500 * time.Millisecond)
	defer cooldownTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cooldownTick.C:
			v.promoteCooldown()
		case <-v.notify:
		}
		v.drainBatches(ctx)
	}
}

func (v *Vectorizer) promoteCooldown() {
	v.mu.Lock()
	now := time.Now()
	for path, pf := range v.delayed {
		if now.Sub(pf.queuedAt) >= v.cooldown {
			v.immediate[path] = pf
			delete(v.delayed, path)
		}
	}
	v.mu.Unlock()
}

func (v *Vectorizer) drainBatches(ctx context.Context) {
	for {
		batch := v.nextBatch()
		if len(batch) == 0 {
			v.mu.Lock()
			v.status.State = VecDone
			v.mu.Unlock()
			v.signal()
			return
		}
		v.mu.Lock()
		v.status.State = VecParsing
		v.mu.Unlock()

		dropped, err := v.embedBatch(ctx, batch)
		if err != nil {
			v.logger.Warn("vectorizer: batch embed failed", "err", err)
		}
		if !dropped {
			v.mu.Lock()
			v.status.FilesEmbedded += len(batch)
			v.mu.Unlock()
		}
		v.signal()

		if ctx.Err() != nil {
			return
		}
	}
}

// nextBatch pulls up to batchSize SplitResults from the immediate queue and
// the dirty-memo set, draining the corresponding pending files.
func (v *Vectorizer) nextBatch() []SplitResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	var splits []SplitResult
	for path, pf := range v.immediate {
		splits = append(splits, v.splitFile(path, pf.text)...)
		delete(v.immediate, path)
		if len(splits) >= batchSize {
			break
		}
	}
	if len(splits) < batchSize && v.memosDirty {
		for name, txt := range v.memoFiles {
			splits = append(splits, v.md.Split(name, txt)...)
			delete(v.memoFiles, name)
		}
		v.memosDirty = len(v.memoFiles) > 0
	}
	v.status.FilesQueued = len(v.delayed) + len(v.immediate)
	if len(splits) > batchSize {
		splits = splits[:batchSize]
	}
	return splits
}

func (v *Vectorizer) splitFile(path, text string) []SplitResult {
	if isMarkdownPath(path) {
		return v.md.Split(path, text)
	}
	return v.code.Split(path, text)
}

func isMarkdownPath(path string) bool {
	for _, suf := range []string{".md", ".markdown"} {
		if len(path) >= len(suf) && path[len(path)-len(suf):] == suf {
			return true
		}
	}
	return false
}

// embedBatch embeds every split not already cached by content hash, then
// upserts all of them (cached ones keep their existing vector). A failed
// Embed call is retried up to embedMaxRetries times with doubling waits
// from 200ms. dropped reports whether the whole batch was discarded.
func (v *Vectorizer) embedBatch(ctx context.Context, splits []SplitResult) (dropped bool, err error) {
	if v.tracer != nil {
		var span refactd.Span
		ctx, span = v.tracer.Start(ctx, "vecdb.embed_batch", refactd.IntAttr("batch_size", len(splits)))
		defer func() {
			if err != nil {
				span.Error(err)
			}
			span.SetAttr(refactd.BoolAttr("dropped", dropped))
			span.End()
		}()
	}

	var toEmbed []SplitResult
	for _, s := range splits {
		if _, ok := v.DB.Lookup(s.WindowTextHash); ok {
			continue
		}
		toEmbed = append(toEmbed, s)
	}
	if len(toEmbed) == 0 {
		return false, nil
	}

	texts := make([]string, len(toEmbed))
	for i, s := range toEmbed {
		texts[i] = s.WindowText
	}
	const embedMaxRetries = 3
	vectors, err := v.Embedder.Embed(ctx, texts)
	for attempt, wait := 0, 200*time.Millisecond; err != nil && attempt < embedMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		vectors, err = v.Embedder.Embed(ctx, texts)
	}
	if err != nil {
		return true, err
	}
	if len(vectors) == 0 {
		return true, nil
	}
	for i, s := range toEmbed {
		if i >= len(vectors) || len(vectors[i]) == 0 {
			continue
		}
		v.DB.Upsert(Record{
			FilePath:       s.FilePath,
			StartLine:      s.StartLine,
			EndLine:        s.EndLine,
			WindowText:     s.WindowText,
			WindowTextHash: s.WindowTextHash,
			Vector:         vectors[i],
		})
	}
	return false, nil
}

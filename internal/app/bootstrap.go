// Package app wires the independently-tested packages (ast, vecdb,
// ctxbuild, customization, mcpmgr, builtins, patch) into a single
// process-wide GlobalContext: integration sessions, caps, customization,
// and workspace roots grouped behind one read-write lock.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relayforge/refactd"
	"github.com/relayforge/refactd/ast"
	"github.com/relayforge/refactd/builtins"
	"github.com/relayforge/refactd/code"
	"github.com/relayforge/refactd/ctxbuild"
	"github.com/relayforge/refactd/customization"
	"github.com/relayforge/refactd/internal/config"
	"github.com/relayforge/refactd/mcpmgr"
	"github.com/relayforge/refactd/memory"
	"github.com/relayforge/refactd/patch"
	"github.com/relayforge/refactd/syscontext"
	"github.com/relayforge/refactd/tools/http"
	"github.com/relayforge/refactd/tools/knowledge"
	"github.com/relayforge/refactd/tools/search"
	"github.com/relayforge/refactd/vecdb"
)

// Deps are the external collaborators the daemon consumes as ports:
// the concrete LLM/embedding HTTP clients, the knowledge store backing the
// "knowledge" builtin and the memo distiller, and the workspace's
// filesystem/privacy posture. Only Provider is required; a nil FS, Privacy,
// Logger or CodeRunner gets a default in New, and the other ports shrink the
// tool surface when left nil.
type Deps struct {
	Provider      refactd.Provider
	Embedding     refactd.EmbeddingProvider
	FS            refactd.FileSystem
	Privacy       refactd.PrivacyFilter
	Knowledge     refactd.KnowledgeStore // backs the "knowledge" builtin + memo distillation
	CodeRunner    refactd.CodeRunner     // backs the "execute_code" builtin
	BraveAPIKey   string
	WorkspaceRoot string
	TrajectoryDir string // "" disables trajectory persistence
	Customization customization.Config
	// AstMaxFiles / VecMaxFiles / VecCooldown tune the two indexers'
	// backpressure; zero values keep each backend's own default.
	AstMaxFiles int
	VecMaxFiles int
	VecCooldown time.Duration
	Logger      *slog.Logger
	// Tracer, when set, threads spans through every long-lived background
	// task (AST indexer, vectorizer) the way observer.NewTracer() does for
	// an OTEL-backed deployment. Nil disables span creation.
	Tracer refactd.Tracer
}

// fsReader adapts refactd.FileSystem ([]byte-returning) to ctxbuild.FileSource
// (string-returning).
type fsReader struct{ fs refactd.FileSystem }

func (r fsReader) ReadFile(path string) (string, error) {
	data, err := r.fs.ReadFile(path)
	return string(data), err
}

// GlobalContext is the process-wide bundle of long-lived backends and the
// Registry assembled from them. All mutable
// state reachable from exported methods is guarded by mu; the backends
// themselves (ast.Indexer, vecdb.Vectorizer, mcpmgr.Manager) own their own
// internal locking.
type GlobalContext struct {
	mu sync.RWMutex

	deps Deps

	AstIndexer *ast.Indexer
	VecDB      *vecdb.DB
	Vectorizer *vecdb.Vectorizer
	MCP        *mcpmgr.Manager

	Registry      *refactd.Registry
	Postprocessor *ctxbuild.Builder
	Processors    *refactd.ProcessorChain
	Policy        refactd.ConfirmPolicy
}

// New builds a GlobalContext: AST indexer and vector DB from scratch, an MCP
// session manager, and a Registry populated with every builtin, every
// customization-declared shell tool, and (once sessions connect) every MCP
// tool — in that collision order.
func New(deps Deps) *GlobalContext {
	if deps.FS == nil {
		deps.FS = refactd.OSFileSystem{Root: deps.WorkspaceRoot}
	}
	if deps.Privacy == nil {
		deps.Privacy = refactd.AllowAllPrivacyFilter{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.CodeRunner == nil {
		deps.CodeRunner = code.NewSubprocessRunner("python3")
	}

	astOpts := []ast.IndexerOption{ast.WithIndexerLogger(deps.Logger), ast.WithIndexerTracer(deps.Tracer)}
	if deps.AstMaxFiles > 0 {
		astOpts = append(astOpts, ast.WithMaxFiles(deps.AstMaxFiles))
	}
	astIdx := ast.NewIndexer(astOpts...)
	vdb := vecdb.NewDB()

	backends := map[string]bool{"ast": true}
	if deps.Knowledge != nil {
		backends["knowledge"] = true
	}
	var vectorizer *vecdb.Vectorizer
	if deps.Embedding != nil {
		vecOpts := []vecdb.VectorizerOption{vecdb.WithVectorizerTracer(deps.Tracer)}
		if deps.VecMaxFiles > 0 {
			vecOpts = append(vecOpts, vecdb.WithMaxFiles(deps.VecMaxFiles))
		}
		if deps.VecCooldown > 0 {
			vecOpts = append(vecOpts, vecdb.WithCooldown(deps.VecCooldown))
		}
		vectorizer = vecdb.NewVectorizer(vdb, deps.Embedding, vecOpts...)
		backends["vecdb"] = true
	}

	g := &GlobalContext{
		deps:          deps,
		AstIndexer:    astIdx,
		VecDB:         vdb,
		Vectorizer:    vectorizer,
		MCP:           mcpmgr.NewManager(mcpmgr.WithManagerTracer(deps.Tracer)),
		Postprocessor: ctxbuild.NewBuilder(fsReader{deps.FS}, astIdx.DB),
		Policy: refactd.ConfirmPolicy{
			Deny:    defaultDenyGlobs(deps.Customization),
			AskUser: defaultAskUserGlobs(deps.Customization),
		},
	}

	g.Processors = refactd.NewProcessorChain()
	g.Processors.Add(refactd.NewInjectionGuard(refactd.InjectionLogger(deps.Logger)))
	g.Processors.Add(refactd.NewMaxToolCallsGuard(10))

	g.Registry = refactd.NewRegistry(backends)
	g.addBuiltins()
	g.addPatchTools()
	g.addShellTools()
	// MCP tools are added as sessions connect; see AddMCPSession.

	return g
}

// FromConfig maps the daemon's TOML config onto Deps, leaving the two
// provider ports to the caller (they are constructed from the caps document
// by the transport layer, outside this package).
func FromConfig(cfg config.Config, provider refactd.Provider, embedding refactd.EmbeddingProvider) Deps {
	custom, err := customization.Load(cfg.Customization.Path)
	if err != nil {
		custom = customization.Default()
	}
	return Deps{
		Provider:      provider,
		Embedding:     embedding,
		BraveAPIKey:   cfg.Search.BraveAPIKey,
		WorkspaceRoot: cfg.Workspace.Root,
		TrajectoryDir: cfg.Workspace.TrajectoryDir,
		Customization: custom,
		AstMaxFiles:   cfg.Ast.MaxFiles,
		VecMaxFiles:   cfg.VecDB.MaxFiles,
		VecCooldown:   time.Duration(cfg.VecDB.CooldownSecs) * time.Second,
	}
}

func defaultDenyGlobs(c customization.Config) []string {
	var out []string
	for _, t := range c.Tools {
		out = append(out, t.Confirmation.Deny...)
	}
	return out
}

func defaultAskUserGlobs(c customization.Config) []string {
	var out []string
	for _, t := range c.Tools {
		out = append(out, t.Confirmation.AskUser...)
	}
	return out
}

// ensure Embedder interfaces line up structurally without an adapter: a
// vecdb.Embedder is anything with Embed(ctx, []string) ([][]float32, error),
// which refactd.EmbeddingProvider already satisfies.
var _ vecdb.Embedder = refactd.EmbeddingProvider(nil)

func (g *GlobalContext) addBuiltins() {
	deps := g.deps
	root := deps.WorkspaceRoot

	g.Registry.Add(&builtins.Definition{DB: g.AstIndexer.DB, FS: deps.FS})
	g.Registry.Add(&builtins.References{DB: g.AstIndexer.DB, FS: deps.FS})
	g.Registry.Add(&builtins.Tree{Root: root})
	g.Registry.Add(&builtins.Cat{FS: deps.FS})
	g.Registry.Add(&builtins.RegexSearch{Root: root, FS: deps.FS})

	if deps.Embedding != nil {
		g.Registry.Add(&builtins.Search{DB: g.VecDB, Embedder: deps.Embedding, TopK: 10})
		g.Registry.Add(&builtins.Locate{AstDB: g.AstIndexer.DB, VecDB: g.VecDB, Embedder: deps.Embedding, FS: deps.FS, TopK: 10})
	}

	g.Registry.Add(builtins.NewFetch(http.New()))

	if deps.BraveAPIKey != "" && deps.Embedding != nil {
		g.Registry.Add(builtins.NewWeb(search.New(deps.Embedding, deps.BraveAPIKey)))
	}
	if deps.Knowledge != nil && deps.Embedding != nil {
		g.Registry.Add(builtins.NewKnowledge(knowledge.New(deps.Knowledge, deps.Embedding)))
	}
	if deps.CodeRunner != nil {
		g.Registry.Add(&builtins.ExecuteCode{Runner: deps.CodeRunner, Registry: g.Registry, WorkspaceRoot: root})
	}
}

func (g *GlobalContext) addPatchTools() {
	deps := g.deps
	g.Registry.Add(patch.NewCreateTextdoc(deps.FS, deps.Privacy, g.AstIndexer))
	g.Registry.Add(patch.NewReplaceTextdoc(deps.FS, deps.Privacy, g.AstIndexer))
	g.Registry.Add(patch.NewUpdateTextdocRegex(deps.FS, deps.Privacy, g.AstIndexer))
	g.Registry.Add(patch.NewUpdateTextdocByLines(deps.FS, deps.Privacy, g.AstIndexer))
}

func (g *GlobalContext) addShellTools() {
	cfg := g.deps.Customization
	for _, t := range cfg.ShellTools(g.deps.WorkspaceRoot) {
		g.Registry.Add(t)
	}
	if allow := cfg.TurnedOnSet(); allow != nil {
		g.Registry.Filter(allow)
	}
}

// AddMCPSession applies settings to the MCP manager and registers every tool
// the session lists at the moment of the call (namespaced by configPath's
// stem) into the Registry. It does not wait for startup: a session that
// ApplySettings has just (re)started lists no tools yet, and its tools are
// registered by a later call once it is live. Safe to call
// repeatedly as MCP configuration changes; re-registration under the same
// name is a no-op (Registry.Add's first-registration-wins rule), so callers
// that need to pick up a changed tool set should build a fresh Registry.
func (g *GlobalContext) AddMCPSession(ctx context.Context, settings mcpmgr.Settings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.MCP.ApplySettings(ctx, settings)
	if sess := g.MCP.Session(settings.ConfigPath); sess != nil {
		for _, t := range mcpmgr.Tools(settings.ConfigPath, sess) {
			g.Registry.Add(t)
		}
	}
}

// Start launches the AST indexer and (when embeddings are configured) the
// vectorizer background tasks. Returns immediately; both tasks run until
// ctx is cancelled.
func (g *GlobalContext) Start(ctx context.Context) {
	go g.AstIndexer.Run(ctx)
	if g.Vectorizer != nil {
		go g.Vectorizer.Run(ctx)
	}
}

// Close tears down the MCP manager's sessions and sweeper.
func (g *GlobalContext) Close() {
	g.MCP.Stop()
}

// StartTrajectoryDistiller launches the background memo-extraction task
// against trajectoryDir, scanning every interval. A no-op
// when Knowledge wasn't supplied in Deps — there is nowhere to write memos —
// or when Provider is nil.
func (g *GlobalContext) StartTrajectoryDistiller(ctx context.Context, trajectoryDir string, interval time.Duration) {
	if g.deps.Knowledge == nil || g.deps.Provider == nil {
		return
	}
	d := &memory.Distiller{
		Dir:      trajectoryDir,
		Chat:     g.deps.Provider,
		Store:    g.deps.Knowledge,
		Embedder: g.deps.Embedding,
	}
	go d.Run(ctx, interval)
}

// NewSession creates a fresh ChatSession and a RunConfig wired to this
// GlobalContext's Provider, Registry, Policy, and Postprocessor. The first
// message seeded into the session is the one-shot system-context bootstrap:
// a cd_instruction carrying the workspace's environment, instruction files,
// tree, and git status.
func (g *GlobalContext) NewSession(thread refactd.ThreadParams) (*refactd.ChatSession, *refactd.RunConfig) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	session := refactd.NewChatSession(thread)
	if g.deps.WorkspaceRoot != "" {
		session.Append(syscontext.Render(syscontext.Gather(g.deps.WorkspaceRoot)))
	}
	cfg := &refactd.RunConfig{
		Provider:      g.deps.Provider,
		Registry:      g.Registry.ForChatMode(thread.ChatMode),
		Policy:        g.Policy,
		Postprocessor: g.Postprocessor,
		Processors:    g.Processors,
		WorkspaceRoot: g.deps.WorkspaceRoot,
		TrajectoryDir: g.deps.TrajectoryDir,
		Tracer:        g.deps.Tracer,
	}
	return session, cfg
}

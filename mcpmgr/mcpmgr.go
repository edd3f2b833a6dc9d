// Package mcpmgr is the MCP session manager: it owns the lifecycle of
// long-lived stdio/SSE MCP subprocess-or-service sessions, lists and
// namespaces their tools, routes per-call dispatch with a timeout, and
// keeps a per-session ring of failed-call error text. The child's stderr
// is not captured.
package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relayforge/refactd"
)

// logRingCap is the cap on captured stderr lines per session.
const logRingCap = 100

// sseBackoffBase and sseBackoffMaxRetries name an SSE reconnect policy. No
// code reads them: an SSE client that fails to start is not retried.
const (
	sseBackoffBase       = 500 * time.Millisecond
	sseBackoffMaxRetries = 3
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// StdioSettings configures a stdio-transport MCP server.
type StdioSettings struct {
	Command        string
	Args           []string
	Env            []string
	InitTimeout    time.Duration
	RequestTimeout time.Duration
}

// SSESettings configures an SSE-transport MCP server.
type SSESettings struct {
	URL            string
	Headers        map[string]string
	InitTimeout    time.Duration
	RequestTimeout time.Duration
}

// Settings is the union of transports a config path can resolve to. Exactly
// one of Stdio/SSE is non-nil.
type Settings struct {
	ConfigPath string
	Stdio      *StdioSettings
	SSE        *SSESettings
}

func (s Settings) requestTimeout() time.Duration {
	if s.Stdio != nil {
		return orDefault(s.Stdio.RequestTimeout, 30*time.Second)
	}
	if s.SSE != nil {
		return orDefault(s.SSE.RequestTimeout, 30*time.Second)
	}
	return 30 * time.Second
}

func (s Settings) initTimeout() time.Duration {
	if s.Stdio != nil {
		return orDefault(s.Stdio.InitTimeout, 10*time.Second)
	}
	if s.SSE != nil {
		return orDefault(s.SSE.InitTimeout, 10*time.Second)
	}
	return 10 * time.Second
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s Settings) equal(o Settings) bool {
	if s.ConfigPath != o.ConfigPath {
		return false
	}
	sb, _ := json.Marshal(s)
	ob, _ := json.Marshal(o)
	return string(sb) == string(ob)
}

// yamlStem derives the namespace prefix for a config path: its base name
// without extension, non-alphanumerics squashed to '_'.
func yamlStem(configPath string) string {
	base := configPath
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			base = base[:i]
			break
		}
	}
	return nonAlnum.ReplaceAllString(base, "_")
}

func namespacedName(configPath, toolName string) string {
	return yamlStem(configPath) + "_" + nonAlnum.ReplaceAllString(toolName, "_")
}

// mcpClient is the subset of *client.Client this package calls, so tests can
// substitute a fake.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Session is one long-lived MCP connection keyed by its config path.
type Session struct {
	settings Settings
	tracer   refactd.Tracer

	mu         sync.RWMutex
	client     mcpClient
	tools      []mcp.Tool
	resources  []mcp.Resource
	logs       []string
	stderrFile string
	startupErr error
	ready      bool

	cancelStartup context.CancelFunc
}

// Tools returns the MCP tools this session currently exposes, under their
// server-side (unprefixed) names; ToolDesc applies the namespace.
func (s *Session) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Logs returns the session's log ring (oldest first, capped at logRingCap
// lines): the error text of failed CallTool calls. The child's stderr is not
// part of it.
func (s *Session) Logs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *Session) appendLog(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, line)
	if len(s.logs) > logRingCap {
		s.logs = s.logs[len(s.logs)-logRingCap:]
	}
}

func (s *Session) ConfigPath() string { return s.settings.ConfigPath }

// configExists reports whether the backing config file is still present on
// disk, used by the expiry sweep.
func (s *Session) configExists() bool {
	_, err := os.Stat(s.settings.ConfigPath)
	return err == nil
}

// CallResult is the outcome of a per-call dispatch.
type CallResult struct {
	Content    string
	ToolFailed bool
}

// newClientFn constructs the transport client for a session; overridable in
// tests.
var newClientFn = func(ctx context.Context, settings Settings) (mcpClient, string, error) {
	switch {
	case settings.Stdio != nil:
		c, err := client.NewStdioMCPClient(settings.Stdio.Command, settings.Stdio.Env, settings.Stdio.Args...)
		if err != nil {
			return nil, "", fmt.Errorf("mcpmgr: spawn stdio client: %w", err)
		}
		stderrPath, _ := captureStderrToTempFile(c)
		return c, stderrPath, nil
	case settings.SSE != nil:
		opts := []transport.ClientOption{}
		if len(settings.SSE.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(settings.SSE.Headers))
		}
		c, err := client.NewSSEMCPClient(settings.SSE.URL, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("mcpmgr: create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, "", fmt.Errorf("mcpmgr: start sse client: %w", err)
		}
		return c, "", nil
	default:
		return nil, "", fmt.Errorf("mcpmgr: settings name neither stdio nor sse transport")
	}
}

// captureStderrToTempFile creates an empty temp file that is recorded as the
// session's stderr file and removed by tryStop. The client's stderr is not
// redirected into it, so the file stays empty.
func captureStderrToTempFile(c *client.Client) (string, error) {
	type stderrExposer interface {
		Stderr() (interface{ Read([]byte) (int, error) }, error)
	}
	// mcp-go's stdio transport exposes stderr via GetStderr() on the
	// underlying transport in practice; absent that capability here, the
	// manager still functions without persisted-crash recovery.
	_ = c
	f, err := os.CreateTemp("", "mcpmgr-stderr-*.log")
	if err != nil {
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

// Manager owns every MCP session, process-wide, guarded by a read-write
// lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tracer   refactd.Tracer

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerTracer attaches a Tracer so every session's startup produces a
// span. A nil Tracer (the default) disables span creation.
func WithManagerTracer(t refactd.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// NewManager creates an empty manager and starts its 60s expiry sweeper.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	var expired []*Session
	for path, sess := range m.sessions {
		if !sess.configExists() {
			expired = append(expired, sess)
			delete(m.sessions, path)
		}
	}
	m.mu.Unlock()
	for _, sess := range expired {
		sess.tryStop()
	}
}

// Stop tears down the sweeper and every live session.
func (m *Manager) Stop() {
	m.sweepOnce.Do(func() { close(m.sweepStop) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.tryStop()
	}
}

// Session returns the live session for a config path, or nil.
func (m *Manager) Session(configPath string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[configPath]
}

// Sessions returns every currently tracked session.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ApplySettings installs or updates the session for settings.ConfigPath.
// If the new settings equal the running session's and it is live or
// starting, this is a no-op; otherwise the prior session (if any) is
// stopped and a new startup task is spawned.
func (m *Manager) ApplySettings(ctx context.Context, settings Settings) {
	m.mu.Lock()
	prior, exists := m.sessions[settings.ConfigPath]
	if exists && prior.settings.equal(settings) && (prior.isLive() || prior.isStarting()) {
		m.mu.Unlock()
		return
	}
	sess := &Session{settings: settings, tracer: m.tracer}
	m.sessions[settings.ConfigPath] = sess
	m.mu.Unlock()

	if exists {
		prior.tryStop()
	}

	startCtx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	sess.cancelStartup = cancel
	sess.mu.Unlock()
	go sess.startup(startCtx)
}

func (s *Session) isLive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready && s.client != nil
}

func (s *Session) isStarting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.ready && s.startupErr == nil && s.cancelStartup != nil
}

// startup connects the transport, lists tools under init_timeout, and
// best-effort lists resources under request_timeout. If neither call yields
// anything, startup aborts and the session remains non-ready.
func (s *Session) startup(ctx context.Context) {
	if s.tracer != nil {
		var span refactd.Span
		ctx, span = s.tracer.Start(ctx, "mcpmgr.session_startup", refactd.StringAttr("config_path", s.settings.ConfigPath))
		defer func() {
			s.mu.RLock()
			startupErr := s.startupErr
			s.mu.RUnlock()
			if startupErr != nil {
				span.Error(startupErr)
			}
			span.End()
		}()
	}

	c, stderrPath, err := newClientFn(ctx, s.settings)
	if err != nil {
		s.mu.Lock()
		s.startupErr = err
		s.mu.Unlock()
		return
	}

	initCtx, cancel := context.WithTimeout(ctx, s.settings.initTimeout())
	defer cancel()
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{Name: "refactd", Version: "0.1.0"}
	if _, err := c.Initialize(initCtx, initReq); err != nil {
		s.mu.Lock()
		s.startupErr = fmt.Errorf("mcpmgr: initialize: %w", err)
		s.mu.Unlock()
		c.Close()
		return
	}

	toolsCtx, toolsCancel := context.WithTimeout(ctx, s.settings.initTimeout())
	tools, toolsErr := c.ListTools(toolsCtx, mcp.ListToolsRequest{})
	toolsCancel()

	resCtx, resCancel := context.WithTimeout(ctx, s.settings.requestTimeout())
	resources, _ := c.ListResources(resCtx, mcp.ListResourcesRequest{}) // best-effort
	resCancel()

	var toolList []mcp.Tool
	if tools != nil {
		toolList = tools.Tools
	}
	var resList []mcp.Resource
	if resources != nil {
		resList = resources.Resources
	}
	if toolsErr != nil && len(toolList) == 0 && len(resList) == 0 {
		s.mu.Lock()
		s.startupErr = fmt.Errorf("mcpmgr: list_all_tools: %w", toolsErr)
		s.mu.Unlock()
		c.Close()
		return
	}

	s.mu.Lock()
	s.client = c
	s.tools = toolList
	s.resources = resList
	s.stderrFile = stderrPath
	s.ready = true
	s.mu.Unlock()
}

// tryStop aborts any in-flight startup, kills the client, removes the
// stderr temp file, and drains logs.
func (s *Session) tryStop() {
	s.mu.Lock()
	cancel := s.cancelStartup
	c := s.client
	stderrFile := s.stderrFile
	s.client = nil
	s.ready = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.Close()
	}
	if stderrFile != "" {
		os.Remove(stderrFile)
	}
}

// CallTool invokes a namespaced tool by its unprefixed MCP name with a
// request_timeout deadline. A non-successful call, including a result the
// server flags is_error=true, is reported as ToolFailed=true, and its error
// text is appended to the session's log ring.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) CallResult {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil {
		return CallResult{Content: "mcp session not ready", ToolFailed: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.requestTimeout())
	defer cancel()

	result, err := c.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		s.appendLog(err.Error())
		return CallResult{Content: err.Error(), ToolFailed: true}
	}
	if result == nil {
		return CallResult{Content: "", ToolFailed: false}
	}
	content := flattenContent(result)
	if result.IsError {
		s.appendLog(content)
		return CallResult{Content: content, ToolFailed: true}
	}
	return CallResult{Content: content}
}

func flattenContent(result *mcp.CallToolResult) string {
	var out []byte
	for i, c := range result.Content {
		if i > 0 {
			out = append(out, '\n')
		}
		if tc, ok := c.(mcp.TextContent); ok {
			out = append(out, tc.Text...)
			continue
		}
		b, _ := json.Marshal(c)
		out = append(out, b...)
	}
	return string(out)
}

// ToolDesc adapts an mcp.Tool's JSON-schema input into the refactd ToolDesc
// surface the LLM's function schema consumes, under the namespaced name.
func ToolDesc(configPath string, t mcp.Tool) refactd.ToolDesc {
	schema, _ := json.Marshal(t.InputSchema)
	return refactd.ToolDesc{
		Name:        namespacedName(configPath, t.Name),
		Description: t.Description,
		Parameters:  schema,
		Source:      "mcp",
	}
}

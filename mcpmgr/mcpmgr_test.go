package mcpmgr

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type fakeClient struct {
	tools       []mcp.Tool
	closed      bool
	callDelay   time.Duration
	callErr     bool
	lastArgs    map[string]any
}

func (f *fakeClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.lastArgs, _ = req.Params.Arguments.(map[string]any)
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.callErr {
		return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "boom"}}}, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeClient) Close() error { f.closed = true; return nil }

func withFakeClient(t *testing.T, fc *fakeClient) {
	t.Helper()
	orig := newClientFn
	newClientFn = func(ctx context.Context, settings Settings) (mcpClient, string, error) {
		return fc, "", nil
	}
	t.Cleanup(func() { newClientFn = orig })
}

func TestYamlStemNamespacesNonAlphanumerics(t *testing.T) {
	if got := yamlStem("/home/u/.config/my server.yaml"); got != "my_server" {
		t.Errorf("yamlStem = %q", got)
	}
	if got := namespacedName("/x/brave-search.yaml", "web.search"); got != "brave_search_web_search" {
		t.Errorf("namespacedName = %q", got)
	}
}

func TestApplySettingsDiscoversNamespacedTools(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "search", Description: "search the web"}}}
	withFakeClient(t, fc)

	m := NewManager()
	defer m.Stop()

	cfgPath := t.TempDir() + "/brave.yaml"
	os.WriteFile(cfgPath, []byte("{}"), 0o644)

	m.ApplySettings(t.Context(), Settings{
		ConfigPath: cfgPath,
		Stdio:      &StdioSettings{Command: "brave-mcp"},
	})

	deadline := time.After(2 * time.Second)
	for {
		sess := m.Session(cfgPath)
		if sess != nil && sess.isLive() {
			tools := Tools(cfgPath, sess)
			if len(tools) != 1 || tools[0].Describe().Name != "brave_search" {
				t.Fatalf("tools = %+v", tools)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("session never became live")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCallToolReportsServerSideError(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "x"}}, callErr: true}
	withFakeClient(t, fc)

	sess := &Session{settings: Settings{ConfigPath: "x.yaml", Stdio: &StdioSettings{Command: "x"}}}
	ctx, cancel := context.WithCancel(t.Context())
	sess.cancelStartup = cancel
	sess.startup(ctx)

	res := sess.CallTool(t.Context(), "x", nil)
	if !res.ToolFailed {
		t.Fatal("expected ToolFailed=true on is_error result")
	}
	if len(sess.Logs()) != 1 {
		t.Fatalf("expected stderr logged, got %v", sess.Logs())
	}
}

func TestCallToolTimesOutAndSessionStaysLive(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "slow"}}, callDelay: 200 * time.Millisecond}
	withFakeClient(t, fc)

	sess := &Session{settings: Settings{
		ConfigPath: "x.yaml",
		Stdio:      &StdioSettings{Command: "x", RequestTimeout: 20 * time.Millisecond},
	}}
	ctx, cancel := context.WithCancel(t.Context())
	sess.cancelStartup = cancel
	sess.startup(ctx)

	res := sess.CallTool(t.Context(), "slow", nil)
	if !res.ToolFailed {
		t.Fatal("expected timeout to report ToolFailed=true")
	}
	if !sess.isLive() {
		t.Fatal("session must stay live after a per-call timeout")
	}
}

func TestTryStopKillsClientAndRemovesStderrFile(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)

	sess := &Session{settings: Settings{ConfigPath: "x.yaml", Stdio: &StdioSettings{Command: "x"}}}
	tmp, _ := os.CreateTemp("", "mcpmgr-stderr-*.log")
	tmp.Close()
	sess.client = fc
	sess.stderrFile = tmp.Name()
	sess.ready = true

	sess.tryStop()

	if !fc.closed {
		t.Error("expected client.Close() to be called")
	}
	if _, err := os.Stat(tmp.Name()); !os.IsNotExist(err) {
		t.Error("expected stderr temp file removed")
	}
}

func TestSweepExpiresSessionWhoseConfigFileIsGone(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)

	m := NewManager()
	defer m.Stop()

	cfgPath := t.TempDir() + "/gone.yaml"
	os.WriteFile(cfgPath, []byte("{}"), 0o644)
	m.ApplySettings(t.Context(), Settings{ConfigPath: cfgPath, Stdio: &StdioSettings{Command: "x"}})

	deadline := time.After(time.Second)
	for m.Session(cfgPath) == nil || !m.Session(cfgPath).isLive() {
		select {
		case <-deadline:
			t.Fatal("session never came up")
		case <-time.After(5 * time.Millisecond):
		}
	}

	os.Remove(cfgPath)
	m.sweepExpired()

	if m.Session(cfgPath) != nil {
		t.Error("expected expired session removed from manager")
	}
}

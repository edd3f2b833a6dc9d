package mcpmgr

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relayforge/refactd"
)

// adaptedTool implements refactd.Tool by delegating to one namespaced tool
// on a live Session.
type adaptedTool struct {
	session    *Session
	configPath string
	mcpTool    mcp.Tool
}

// Tools returns the registry-ready refactd.Tool set a session currently
// exposes, one per discovered MCP tool, namespaced by the session's config
// path stem.
func Tools(configPath string, session *Session) []refactd.Tool {
	mt := session.Tools()
	out := make([]refactd.Tool, 0, len(mt))
	for _, t := range mt {
		out = append(out, &adaptedTool{session: session, configPath: configPath, mcpTool: t})
	}
	return out
}

func (t *adaptedTool) Describe() refactd.ToolDesc {
	return ToolDesc(t.configPath, t.mcpTool)
}

// MatchConfirmDeny returns ConfirmPass: MCP tools carry no tool-specific
// rule of their own; the registry's shared ask_user/deny glob evaluation
// matches against the namespaced tool name.
func (t *adaptedTool) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass, Command: t.Describe().Name}
}

func (t *adaptedTool) Execute(ctx context.Context, _ *refactd.ToolCtx, toolCallID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(toolCallID, "invalid arguments: "+err.Error(), true))}, nil
		}
	}
	result := t.session.CallTool(ctx, t.mcpTool.Name, params)
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(toolCallID, result.Content, result.ToolFailed))}, nil
}

func (t *adaptedTool) DependsOn() []string { return nil }

var _ refactd.Tool = (*adaptedTool)(nil)

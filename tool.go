package refactd

import (
	"context"
	"encoding/json"
)

// ConfirmDecision is the outcome of evaluating a tool call against the
// configured ask_user/deny glob lists.
type ConfirmDecision int

const (
	ConfirmPass ConfirmDecision = iota
	ConfirmAsk
	ConfirmDeny
)

func (d ConfirmDecision) String() string {
	switch d {
	case ConfirmPass:
		return "PASS"
	case ConfirmAsk:
		return "CONFIRMATION"
	case ConfirmDeny:
		return "DENY"
	default:
		return "UNKNOWN"
	}
}

// ConfirmResult carries the decision plus the rule and command string it was
// evaluated against, for display in PauseReason / denial messages.
type ConfirmResult struct {
	Decision ConfirmDecision
	Rule     string
	Command  string
}

// ToolCtx is the fresh per-call execution context handed to Tool.Execute.
// It holds a back-reference to the owning session for things like "current
// workspace", but must never be held across a suspension point — callers
// pass it explicitly into each call rather than stashing it.
type ToolCtx struct {
	Session        *ChatSession
	RagTokenBudget int
	WorkspaceRoot  string
	// Processors, if set, runs PostToolProcessor hooks (redaction, auditing)
	// over every tool's flattened ToolResult before it reaches the message
	// log. Nil means no post-tool processing.
	Processors *ProcessorChain
	// Postprocessor, if set, refines the ContextFile hits a tool call
	// produces (background coloring, sub-symbol downgrade, token-budgeted
	// selection) before they are appended to the session.
	// Nil means raw hits are appended as-is. ctxbuild.Builder satisfies this
	// structurally; it lives in a separate package to avoid an import cycle
	// (ctxbuild depends on this package for ContextFile).
	Postprocessor ContextPostprocessor
}

// ContextPostprocessor refines raw tool-produced ContextFile hits into the
// set actually appended to the session, within a token budget.
type ContextPostprocessor interface {
	Build(hits []ContextFile, tokenBudget int, singleFileMode bool) ([]ContextFile, error)
}

// ContextEnum is the sum type a tool execution emits: either a chat message
// (e.g. a textual result) or a context file (e.g. a diff or a file excerpt).
// Exactly one field is non-nil.
type ContextEnum struct {
	Message     *ChatMessage
	ContextFile *ContextFile
}

func MessageEnum(m ChatMessage) ContextEnum     { return ContextEnum{Message: &m} }
func ContextFileEnum(f ContextFile) ContextEnum { return ContextEnum{ContextFile: &f} }

// Tool is the uniform contract implemented by builtins, shell tools, and MCP
// tools alike.
type Tool interface {
	// Describe returns the function schema the LLM sees.
	Describe() ToolDesc
	// MatchConfirmDeny consults the tool's own confirm/deny rule (if any)
	// ahead of the shared ask_user/deny glob evaluation in the registry.
	// Tools with no tool-specific rule return ConfirmResult{Decision: ConfirmPass}.
	MatchConfirmDeny(args json.RawMessage) ConfirmResult
	// Execute runs the tool. correctionsApplied signals the tool silently
	// fixed up its own arguments (e.g. a path it normalized) worth surfacing.
	Execute(ctx context.Context, ccx *ToolCtx, toolCallID string, args json.RawMessage) (correctionsApplied bool, outputs []ContextEnum, err error)
	// DependsOn names the backends this tool needs present to be registered
	// (e.g. "ast", "vecdb"). Tools with no backend dependency return nil.
	DependsOn() []string
}

// Registry holds all tools available to a session and dispatches execution
// by name. Name collisions resolve builtin → customization → MCP, the order
// tools are Added in, so later registrations of the same name are ignored.
type Registry struct {
	tools    []Tool
	byName   map[string]Tool
	backends map[string]bool // available backends, e.g. {"ast": true, "vecdb": true}
}

// NewRegistry creates an empty registry. backends names the context-retrieval
// backends currently available; tools whose DependsOn names an absent
// backend are silently skipped by Add.
func NewRegistry(backends map[string]bool) *Registry {
	return &Registry{byName: make(map[string]Tool), backends: backends}
}

// Add registers a tool under every name in its Describe().Name, provided all
// of its DependsOn backends are available. First registration of a name wins.
func (r *Registry) Add(t Tool) {
	for _, dep := range t.DependsOn() {
		if !r.backends[dep] {
			return
		}
	}
	name := t.Describe().Name
	if _, exists := r.byName[name]; exists {
		return
	}
	r.tools = append(r.tools, t)
	r.byName[name] = t
}

// Filter removes tools whose name is not in allow (used to implement chat-mode
// filtering — e.g. a read-only mode hides edit tools — and the customization
// YAML's turned_on list). A nil or empty allow set is a no-op.
func (r *Registry) Filter(allow map[string]bool) {
	if len(allow) == 0 {
		return
	}
	kept := r.tools[:0]
	for _, t := range r.tools {
		name := t.Describe().Name
		if allow[name] {
			kept = append(kept, t)
		} else {
			delete(r.byName, name)
		}
	}
	r.tools = kept
}

// ForChatMode returns a view of the registry filtered for mode: read-only
// and exploration modes hide agentic tools (edits, code execution), every
// other mode sees the full set. The receiver is left untouched.
func (r *Registry) ForChatMode(mode string) *Registry {
	switch mode {
	case "read_only", "exploration":
	default:
		return r
	}
	out := NewRegistry(r.backends)
	for _, t := range r.tools {
		if t.Describe().Agentic {
			continue
		}
		out.Add(t)
	}
	return out
}

// Lookup returns the tool registered for name, or nil.
func (r *Registry) Lookup(name string) Tool { return r.byName[name] }

// Describe returns the LLM-facing tool schema for every registered tool.
func (r *Registry) Describe() []ToolDesc {
	out := make([]ToolDesc, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Describe())
	}
	return out
}

package refactd

import (
	"context"
	"encoding/json"
	"testing"
)

type agenticStub struct{ name string }

func (a agenticStub) Describe() ToolDesc { return ToolDesc{Name: a.name, Agentic: true} }
func (a agenticStub) MatchConfirmDeny(json.RawMessage) ConfirmResult {
	return ConfirmResult{Decision: ConfirmPass}
}
func (a agenticStub) DependsOn() []string { return nil }
func (a agenticStub) Execute(context.Context, *ToolCtx, string, json.RawMessage) (bool, []ContextEnum, error) {
	return false, nil, nil
}

func TestRegistryForChatModeHidesAgenticTools(t *testing.T) {
	reg := newRegistryWith(stubTool{name: "cat"}, agenticStub{name: "create_textdoc"})

	ro := reg.ForChatMode("read_only")
	if ro.Lookup("create_textdoc") != nil {
		t.Error("read_only mode should hide agentic tools")
	}
	if ro.Lookup("cat") == nil {
		t.Error("read_only mode should keep read tools")
	}

	// The unfiltered registry is untouched, and agentic modes see everything.
	if reg.Lookup("create_textdoc") == nil {
		t.Error("source registry lost a tool")
	}
	if full := reg.ForChatMode("agentic"); full.Lookup("create_textdoc") == nil {
		t.Error("agentic mode should see edit tools")
	}
}

func TestRegistryBackendFiltering(t *testing.T) {
	reg := NewRegistry(map[string]bool{"ast": true})
	reg.Add(depTool{name: "definition", deps: []string{"ast"}})
	reg.Add(depTool{name: "search", deps: []string{"vecdb"}})

	if reg.Lookup("definition") == nil {
		t.Error("tool with available backend should register")
	}
	if reg.Lookup("search") != nil {
		t.Error("tool with absent backend should be skipped")
	}
}

type depTool struct {
	name string
	deps []string
}

func (d depTool) Describe() ToolDesc { return ToolDesc{Name: d.name} }
func (d depTool) MatchConfirmDeny(json.RawMessage) ConfirmResult {
	return ConfirmResult{Decision: ConfirmPass}
}
func (d depTool) DependsOn() []string { return d.deps }
func (d depTool) Execute(context.Context, *ToolCtx, string, json.RawMessage) (bool, []ContextEnum, error) {
	return false, nil, nil
}

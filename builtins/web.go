package builtins

import (
	"context"
	"encoding/json"

	"github.com/relayforge/refactd"
	searchtool "github.com/relayforge/refactd/tools/search"
)

// Web adapts tools/search.Tool (Brave search plus semantic rerank) to the
// refactd.Tool contract as the "web" builtin.
type Web struct {
	inner *searchtool.Tool
}

// NewWeb wraps an existing tools/search.Tool as the "web" builtin.
func NewWeb(inner *searchtool.Tool) *Web { return &Web{inner: inner} }

func (t *Web) Describe() refactd.ToolDesc {
	d := t.inner.Definitions()[0]
	return refactd.ToolDesc{
		Name:           "web",
		Description:    d.Description,
		Parameters:     d.Parameters,
		RequiredParams: []string{"query"},
		Source:         "builtin",
	}
}

func (t *Web) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Web) DependsOn() []string { return nil }

func (t *Web) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	result, err := t.inner.Execute(ctx, "web_search", args)
	if err != nil {
		return false, nil, err
	}
	content, failed := result.Content, result.Error != ""
	if failed {
		content = result.Error
	}
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, content, failed))}, nil
}

var _ refactd.Tool = (*Web)(nil)

package builtins

import (
	"context"
	"encoding/json"

	"github.com/relayforge/refactd"
	httptool "github.com/relayforge/refactd/tools/http"
)

// Fetch adapts tools/http.Tool (the readability-based URL fetcher) to the
// refactd.Tool contract as the "http_fetch" builtin — the counterpart to the
// "web" builtin's search results: web finds pages, http_fetch reads one.
type Fetch struct {
	inner *httptool.Tool
}

// NewFetch wraps an existing tools/http.Tool as the "http_fetch" builtin.
func NewFetch(inner *httptool.Tool) *Fetch { return &Fetch{inner: inner} }

func (t *Fetch) Describe() refactd.ToolDesc {
	d := t.inner.Definitions()[0]
	return refactd.ToolDesc{
		Name:           d.Name,
		Description:    d.Description,
		Parameters:     d.Parameters,
		RequiredParams: []string{"url"},
		Source:         "builtin",
	}
}

func (t *Fetch) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Fetch) DependsOn() []string { return nil }

func (t *Fetch) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	result, err := t.inner.Execute(ctx, "http_fetch", args)
	if err != nil {
		return false, nil, err
	}
	content, failed := result.Content, result.Error != ""
	if failed {
		content = result.Error
	}
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, content, failed))}, nil
}

var _ refactd.Tool = (*Fetch)(nil)

package builtins

import (
	"context"
	"encoding/json"

	"github.com/relayforge/refactd"
	knowledgetool "github.com/relayforge/refactd/tools/knowledge"
)

// Knowledge adapts tools/knowledge.KnowledgeTool to the refactd.Tool
// contract as the "knowledge" builtin, backing onto the knowledge/memory
// store.
type Knowledge struct {
	inner *knowledgetool.KnowledgeTool
}

// NewKnowledge wraps an existing tools/knowledge.KnowledgeTool as the
// "knowledge" builtin.
func NewKnowledge(inner *knowledgetool.KnowledgeTool) *Knowledge { return &Knowledge{inner: inner} }

func (t *Knowledge) Describe() refactd.ToolDesc {
	d := t.inner.Definitions()[0]
	return refactd.ToolDesc{
		Name:           "knowledge",
		Description:    d.Description,
		Parameters:     d.Parameters,
		RequiredParams: []string{"query"},
		Source:         "builtin",
	}
}

func (t *Knowledge) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass}
}

func (t *Knowledge) DependsOn() []string { return []string{"knowledge"} }

func (t *Knowledge) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	result, err := t.inner.Execute(ctx, "knowledge_search", args)
	if err != nil {
		return false, nil, err
	}
	content, failed := result.Content, result.Error != ""
	if failed {
		content = result.Error
	}
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, content, failed))}, nil
}

var _ refactd.Tool = (*Knowledge)(nil)

package refactd

import (
	"context"
	"fmt"
)

// maxParallelDispatch bounds the worker pool used to execute a batch of tool
// calls concurrently: never more goroutines than calls, never more than this
// cap.
const maxParallelDispatch = 10

// defaultRagTokenBudget is the fallback postprocessing budget when a ToolCtx
// doesn't set RagTokenBudget (e.g. tests, or a tool run outside a chat
// session).
const defaultRagTokenBudget = 4096

type indexedDispatch struct {
	index int
	msgs  []ChatMessage
}

// dispatchOne executes a single approved tool call and converts its outputs
// into the ChatMessage(s) appended to the session: exactly one role=tool
// message carrying the call's own result, followed by any context_file/extra
// messages the tool additionally produced.
func dispatchOne(ctx context.Context, reg *Registry, ccx *ToolCtx, tc ToolCall) (msgs []ChatMessage) {
	defer func() {
		if r := recover(); r != nil {
			msgs = []ChatMessage{ToolResultMessage(tc.ID, fmt.Sprintf("tool panicked: %v", r), true)}
		}
	}()

	t := reg.Lookup(tc.FunctionName)
	if t == nil {
		return []ChatMessage{ToolResultMessage(tc.ID, "unknown tool: "+tc.FunctionName, true)}
	}

	_, outputs, err := t.Execute(ctx, ccx, tc.ID, []byte(tc.ArgumentsJSON))
	if err != nil {
		return []ChatMessage{ToolResultMessage(tc.ID, err.Error(), true)}
	}

	var toolMsg *ChatMessage
	var extra []ChatMessage
	var hits []ContextFile
	for _, o := range outputs {
		switch {
		case o.Message != nil && toolMsg == nil && o.Message.Role == "tool":
			m := *o.Message
			m.ToolCallID = tc.ID
			toolMsg = &m
		case o.Message != nil:
			extra = append(extra, *o.Message)
		case o.ContextFile != nil:
			hits = append(hits, *o.ContextFile)
		}
	}
	if toolMsg == nil {
		empty := ToolResultMessage(tc.ID, "", false)
		toolMsg = &empty
	}
	if len(hits) > 0 {
		extra = append(extra, contextFileMessages(ccx, hits)...)
	}
	runPostToolHooks(ctx, ccx, tc, toolMsg)
	return append([]ChatMessage{*toolMsg}, extra...)
}

// contextFileMessages runs a tool call's raw ContextFile hits through
// ccx.Postprocessor, if one is configured, before wrapping them in a
// ContextFileMessage. A postprocessor error or a
// missing postprocessor both fall back to appending the raw hits, so a tool
// result is never silently dropped.
func contextFileMessages(ccx *ToolCtx, hits []ContextFile) []ChatMessage {
	if ccx == nil || ccx.Postprocessor == nil {
		return []ChatMessage{ContextFileMessage(hits)}
	}
	budget := ccx.RagTokenBudget
	if budget <= 0 {
		budget = defaultRagTokenBudget
	}
	built, err := ccx.Postprocessor.Build(hits, budget, len(hits) == 1)
	if err != nil {
		return []ChatMessage{ContextFileMessage(hits)}
	}
	if len(built) == 0 {
		return nil
	}
	return []ChatMessage{ContextFileMessage(built)}
}

// runPostToolHooks adapts a dispatched tool's ChatMessage into the flat
// ToolResult shape PostToolProcessor hooks (redaction, auditing) expect, runs
// them, and writes any changes back. A halting processor's ErrHalt overrides
// the message with its canned response and marks it failed.
func runPostToolHooks(ctx context.Context, ccx *ToolCtx, tc ToolCall, toolMsg *ChatMessage) {
	if ccx == nil || ccx.Processors == nil {
		return
	}
	result := &ToolResult{Content: toolMsg.Content}
	if toolMsg.ToolFailed {
		result.Error = toolMsg.Content
	}
	if err := ccx.Processors.RunPostTool(ctx, tc, result); err != nil {
		var halt *ErrHalt
		if ok := asErrHalt(err, &halt); ok {
			toolMsg.Content = halt.Response
			toolMsg.ToolFailed = true
			return
		}
		toolMsg.Content = err.Error()
		toolMsg.ToolFailed = true
		return
	}
	if result.Error != "" {
		toolMsg.Content = result.Error
		toolMsg.ToolFailed = true
		return
	}
	toolMsg.Content = result.Content
}

func asErrHalt(err error, target **ErrHalt) bool {
	h, ok := err.(*ErrHalt)
	if ok {
		*target = h
	}
	return ok
}

// dispatchParallel runs calls through a bounded worker pool, preserving the
// original call order in the returned, flattened message slice regardless of
// completion order. Context cancellation stops handing out new work but lets
// in-flight calls finish so partial tool results are never silently dropped.
func dispatchParallel(ctx context.Context, reg *Registry, ccx *ToolCtx, calls []ToolCall) []ChatMessage {
	if len(calls) == 0 {
		return nil
	}

	workers := maxParallelDispatch
	if len(calls) < workers {
		workers = len(calls)
	}

	work := make(chan int, len(calls))
	results := make(chan indexedDispatch, len(calls))

	for w := 0; w < workers; w++ {
		go func() {
			for i := range work {
				if err := ctx.Err(); err != nil {
					results <- indexedDispatch{index: i, msgs: []ChatMessage{
						ToolResultMessage(calls[i].ID, err.Error(), true),
					}}
					continue
				}
				results <- indexedDispatch{index: i, msgs: dispatchOne(ctx, reg, ccx, calls[i])}
			}
		}()
	}
	for i := range calls {
		work <- i
	}
	close(work)

	ordered := make([][]ChatMessage, len(calls))
	for range calls {
		r := <-results
		ordered[r.index] = r.msgs
	}

	var out []ChatMessage
	for _, msgs := range ordered {
		out = append(out, msgs...)
	}
	return out
}

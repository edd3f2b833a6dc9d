package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayforge/refactd"
)

// ExecuteCode implements the "execute_code" builtin: the LLM writes a short
// script, Runner executes it (subprocess or Docker container), and any
// call_tool()/call_tools_parallel() the script performs is bridged back
// through Registry — the same Registry this tool is itself registered in, so
// execute_code can reach every other tool the session has. execute_code may
// not call execute_code; that is enforced here as well as in the code
// runner's own protocol handler.
type ExecuteCode struct {
	Runner        refactd.CodeRunner
	Registry      *refactd.Registry
	WorkspaceRoot string
}

func (t *ExecuteCode) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        "execute_code",
		Description: "Run a short Python script in a sandbox. Use call_tool(name, args) from the script to invoke any other available tool, and set_result(value) to return structured output.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"code":{"type":"string","description":"Python source to run"},
			"runtime":{"type":"string","description":"Execution runtime, default \"python\""},
			"session_id":{"type":"string","description":"Reuse the same sandbox workspace across calls with the same session_id"}
		},"required":["code"]}`),
		RequiredParams: []string{"code"},
		Agentic:        true,
		Source:         "builtin",
	}
}

func (t *ExecuteCode) MatchConfirmDeny(json.RawMessage) refactd.ConfirmResult {
	return refactd.ConfirmResult{Decision: refactd.ConfirmAsk, Rule: "execute_code*", Command: "execute_code"}
}

func (t *ExecuteCode) DependsOn() []string { return nil }

func (t *ExecuteCode) Execute(ctx context.Context, ccx *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Code      string `json:"code"`
		Runtime   string `json:"runtime"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: "execute_code args", Cause: err}
	}
	if params.Code == "" {
		return false, nil, &refactd.ErrParse{Source: "execute_code args", Cause: fmt.Errorf("code is empty")}
	}

	req := refactd.CodeRequest{Code: params.Code, Runtime: params.Runtime, SessionID: params.SessionID}
	result, err := t.Runner.Run(ctx, req, t.dispatchFor(ccx))
	if err != nil {
		return false, nil, &refactd.ErrTransport{Target: "code runner", Cause: err}
	}

	if result.Error != "" {
		content := fmt.Sprintf("execution failed: %s\n%s", result.Error, result.Logs)
		return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, content, true))}, nil
	}
	content := result.Output
	if result.Logs != "" {
		content = fmt.Sprintf("%s\n--- logs ---\n%s", content, result.Logs)
	}
	return false, []refactd.ContextEnum{refactd.MessageEnum(refactd.ToolResultMessage(callID, content, false))}, nil
}

// dispatchFor bridges call_tool() invocations from inside the sandbox back
// through the same Registry/ToolCtx the execute_code call itself runs under.
func (t *ExecuteCode) dispatchFor(ccx *refactd.ToolCtx) refactd.DispatchFunc {
	return func(ctx context.Context, tc refactd.ToolCall) refactd.DispatchResult {
		if tc.FunctionName == "execute_code" {
			return refactd.DispatchResult{Content: "execute_code cannot call execute_code (no recursion)", IsError: true}
		}
		inner := t.Registry.Lookup(tc.FunctionName)
		if inner == nil {
			return refactd.DispatchResult{Content: "unknown tool: " + tc.FunctionName, IsError: true}
		}
		_, outputs, err := inner.Execute(ctx, ccx, tc.ID, []byte(tc.ArgumentsJSON))
		if err != nil {
			return refactd.DispatchResult{Content: err.Error(), IsError: true}
		}
		return flattenDispatchOutputs(outputs)
	}
}

// flattenDispatchOutputs reduces a tool's []ContextEnum outputs to the flat
// string a code sandbox's call_tool() expects: the tool-result message text
// if present, otherwise a count of any context files produced.
func flattenDispatchOutputs(outputs []refactd.ContextEnum) refactd.DispatchResult {
	for _, o := range outputs {
		if o.Message != nil && o.Message.Role == "tool" {
			return refactd.DispatchResult{Content: o.Message.Content, IsError: o.Message.ToolFailed}
		}
	}
	for _, o := range outputs {
		if o.Message != nil {
			return refactd.DispatchResult{Content: o.Message.Content}
		}
	}
	n := 0
	for _, o := range outputs {
		if o.ContextFile != nil {
			n++
		}
	}
	return refactd.DispatchResult{Content: fmt.Sprintf("%d context file(s) returned", n)}
}

var _ refactd.Tool = (*ExecuteCode)(nil)

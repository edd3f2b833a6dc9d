package refactd

import (
	"path/filepath"
	"strings"
)

// ConfirmPolicy holds the ask_user/deny glob lists consulted before a tool
// call executes. Globs are matched with path/filepath.Match syntax, with '/'
// treated as an ordinary character, against a tool-derived command_to_match
// string — the expanded command line for a shell tool, the tool name for an
// MCP call.
type ConfirmPolicy struct {
	Deny    []string
	AskUser []string
}

// Evaluate derives the decision for a single tool call. The tool's own rule
// (if it has one) is consulted first; only when the tool itself is ConfirmPass
// does the shared policy's deny/ask_user lists apply. Within the shared
// policy, deny globs are checked before ask_user globs, and the first glob
// that matches wins.
func (p ConfirmPolicy) Evaluate(toolRule ConfirmResult, commandToMatch string) ConfirmResult {
	if toolRule.Decision != ConfirmPass {
		return toolRule
	}
	for _, g := range p.Deny {
		if globMatch(g, commandToMatch) {
			return ConfirmResult{Decision: ConfirmDeny, Rule: g, Command: commandToMatch}
		}
	}
	for _, g := range p.AskUser {
		if globMatch(g, commandToMatch) {
			return ConfirmResult{Decision: ConfirmAsk, Rule: g, Command: commandToMatch}
		}
	}
	return ConfirmResult{Decision: ConfirmPass, Command: commandToMatch}
}

// globMatch reports whether s matches pattern. '/' is swapped for a
// non-separator byte on both sides so that "*" also spans paths inside a
// command line ("rm *" matches "rm -rf /tmp").
func globMatch(pattern, s string) bool {
	const sep = "\x00"
	ok, err := filepath.Match(strings.ReplaceAll(pattern, "/", sep), strings.ReplaceAll(s, "/", sep))
	return err == nil && ok
}

// EvaluateCall runs a registry lookup + tool-specific rule + shared policy in
// one step, returning PASS for unknown tools (the caller's dispatch will
// separately surface "unknown tool").
func (r *Registry) EvaluateCall(policy ConfirmPolicy, tc ToolCall) ConfirmResult {
	t := r.Lookup(tc.FunctionName)
	if t == nil {
		return ConfirmResult{Decision: ConfirmPass, Command: tc.FunctionName}
	}
	toolRule := t.MatchConfirmDeny([]byte(tc.ArgumentsJSON))
	commandToMatch := toolRule.Command
	if commandToMatch == "" {
		commandToMatch = tc.FunctionName
	}
	return policy.Evaluate(toolRule, commandToMatch)
}

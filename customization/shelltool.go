package customization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/relayforge/refactd"
)

// maxShellOutputRunes bounds a shell tool's captured output, in bytes.
const maxShellOutputRunes = 4000

// shellBlocklist is the safety blocklist: a customization-declared command
// is subject to this hard floor regardless of what its author wrote in the
// YAML.
var shellBlocklist = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// ShellTool adapts one ShellToolSpec to the refactd.Tool contract: one
// instance per YAML declaration, with its own name, command template,
// timeout, and confirm/deny rule.
type ShellTool struct {
	spec          ShellToolSpec
	workspaceRoot string
	timeout       time.Duration
}

// NewShellTool builds the refactd.Tool adapter for spec. defaultTimeoutSec
// applies when spec.Timeout is unset.
func NewShellTool(spec ShellToolSpec, workspaceRoot string, defaultTimeoutSec int) *ShellTool {
	timeoutSec := spec.Timeout
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeoutSec
	}
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	return &ShellTool{spec: spec, workspaceRoot: workspaceRoot, timeout: time.Duration(timeoutSec) * time.Second}
}

func (t *ShellTool) Describe() refactd.ToolDesc {
	return refactd.ToolDesc{
		Name:        t.spec.Name,
		Description: t.spec.Description,
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"args":{"type":"string","description":"Extra arguments appended to the configured command"}
		}}`),
		Source: "customization",
	}
}

func (t *ShellTool) DependsOn() []string { return nil }

// fullCommand builds the command_to_match / actually-executed command line:
// the declared command with any caller-supplied args appended.
func (t *ShellTool) fullCommand(extraArgs string) string {
	if extraArgs == "" {
		return t.spec.Command
	}
	return t.spec.Command + " " + extraArgs
}

func (t *ShellTool) MatchConfirmDeny(args json.RawMessage) refactd.ConfirmResult {
	var params struct {
		Args string `json:"args"`
	}
	_ = json.Unmarshal(args, &params)
	cmd := t.fullCommand(params.Args)

	for _, g := range t.spec.Confirmation.Deny {
		if ok, _ := filepath.Match(g, cmd); ok {
			return refactd.ConfirmResult{Decision: refactd.ConfirmDeny, Rule: g, Command: cmd}
		}
	}
	for _, g := range t.spec.Confirmation.AskUser {
		if ok, _ := filepath.Match(g, cmd); ok {
			return refactd.ConfirmResult{Decision: refactd.ConfirmAsk, Rule: g, Command: cmd}
		}
	}
	return refactd.ConfirmResult{Decision: refactd.ConfirmPass, Command: cmd}
}

func (t *ShellTool) Execute(ctx context.Context, _ *refactd.ToolCtx, callID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	var params struct {
		Args string `json:"args"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false, nil, &refactd.ErrParse{Source: t.spec.Name + " args", Cause: err}
	}

	cmdLine := t.fullCommand(params.Args)
	lower := strings.ToLower(cmdLine)
	for _, b := range shellBlocklist {
		if strings.Contains(lower, b) {
			msg := refactd.ToolResultMessage(callID, "command blocked for safety: "+b, true)
			return false, []refactd.ContextEnum{refactd.MessageEnum(msg)}, nil
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", cmdLine)
	cmd.Dir = t.workspaceRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxShellOutputRunes {
		output = output[:maxShellOutputRunes] + "\n... (truncated)"
	}

	if runErr != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			msg := refactd.ToolResultMessage(callID, fmt.Sprintf("command timed out after %s", t.timeout), true)
			return false, []refactd.ContextEnum{refactd.MessageEnum(msg)}, nil
		}
		if output == "" {
			output = runErr.Error()
		}
		msg := refactd.ToolResultMessage(callID, output, true)
		return false, []refactd.ContextEnum{refactd.MessageEnum(msg)}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	msg := refactd.ToolResultMessage(callID, output, false)
	return false, []refactd.ContextEnum{refactd.MessageEnum(msg)}, nil
}

var _ refactd.Tool = (*ShellTool)(nil)

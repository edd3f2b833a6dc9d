package refactd

import (
	"context"
	"time"
)

// CodeRunner executes code written by an LLM in a sandboxed environment.
// Implementations control the runtime (bare subprocess, container).
// The dispatch function bridges code back to the agent's tool registry,
// enabling code to call any tool the agent has access to.
type CodeRunner interface {
	// Run executes code and returns the result. The dispatch function
	// allows code to call agent tools via call_tool() from within the code.
	Run(ctx context.Context, req CodeRequest, dispatch DispatchFunc) (CodeResult, error)
}

// DispatchResult is the outcome of bridging one tool call issued from code
// running inside a CodeRunner sandbox back through the registry in dispatch.go.
// It mirrors the flat ToolResult shape rather than a full ChatMessage: code
// sandboxes only ever see a call_tool() return value, never session state.
type DispatchResult struct {
	Content string
	IsError bool
}

// DispatchFunc executes a single tool call on behalf of code running inside
// a sandbox (call_tool() in Python, etc). The execute_code builtin's
// implementation looks the call up in the session's Registry and runs the
// tool's Execute with the execute_code call's own ToolCtx; the inner tool's
// confirm/deny rules are not consulted and its context-file outputs are not
// postprocessed.
type DispatchFunc func(ctx context.Context, call ToolCall) DispatchResult

// CodeRequest is the input to CodeRunner.Run.
type CodeRequest struct {
	// Code is the source code to execute.
	Code string `json:"code"`
	// Runtime selects the interpreter. Empty or "python" means python3.
	// SubprocessRunner ignores it and always runs its configured Python
	// binary; DockerRunner runs any other value as the interpreter command,
	// still handing it the Python prelude script.
	Runtime string `json:"runtime,omitempty"`
	// Timeout is the maximum execution duration. Zero means use runner default.
	Timeout time.Duration `json:"-"`
	// SessionID enables workspace persistence across executions.
	// Same session ID = same workspace directory. Empty = isolated per execution.
	SessionID string `json:"session_id,omitempty"`
	// Files lists input files for the workspace (Name + Data or Name + URL).
	// The runners in package code do not read it: no file is placed in the
	// workspace before execution.
	Files []CodeFile `json:"files,omitempty"`
}

// CodeResult is the output of CodeRunner.Run.
type CodeResult struct {
	// Output is the structured result set via set_result() in code.
	Output string `json:"output"`
	// Logs captures print() output and stderr from the code execution.
	Logs string `json:"logs,omitempty"`
	// ExitCode is the process exit code (0 = success).
	ExitCode int `json:"exit_code"`
	// Error describes execution failure (timeout, syntax error, etc).
	Error string `json:"error,omitempty"`
	// Files holds output files. The runners in package code leave it empty:
	// the prelude's set_result accepts a files argument and discards it.
	Files []CodeFile `json:"files,omitempty"`
}

// CodeFile represents a file transferred between app and sandbox.
//
// For input: Name + Data (inline bytes) or Name + URL (sandbox downloads via HTTP GET).
// For output: Name + MIME + Data (always inline).
type CodeFile struct {
	// Name is the filename (e.g. "chart.png", "data.csv").
	Name string `json:"name"`
	// MIME is the media type (e.g. "image/png"). Set on output files.
	MIME string `json:"mime,omitempty"`
	// Data holds inline file bytes. Tagged json:"-" to avoid double-encoding;
	// wire format uses base64 in a separate field.
	Data []byte `json:"-"`
	// URL is an alternative to Data for input files. The runners in package
	// code do not download it.
	URL string `json:"url,omitempty"`
}

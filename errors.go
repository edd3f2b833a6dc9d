package refactd

import "fmt"

// ErrLLM wraps a provider-reported chat/completion failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string { return fmt.Sprintf("%s: %s", e.Provider, e.Message) }

// ErrHTTP wraps a non-2xx response from an external HTTP port (caps fetch,
// embeddings, SSE connect).
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Body) }

// Each error kind below carries enough structure for callers to
// pattern-match with errors.As while still reading well as a standalone
// message.

// ErrConfig signals bad YAML/TOML or a missing required field.
type ErrConfig struct {
	Source string // file path or section name
	Detail string
}

func (e *ErrConfig) Error() string { return fmt.Sprintf("config error in %s: %s", e.Source, e.Detail) }

// ErrTransport signals an HTTP/SSE/stdio transport failure talking to a
// remote provider or subprocess.
type ErrTransport struct {
	Target string
	Cause  error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("transport error to %s: %v", e.Target, e.Cause)
}
func (e *ErrTransport) Unwrap() error { return e.Cause }

// ErrTimeout signals an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string { return fmt.Sprintf("timeout: %s", e.Operation) }

// ErrNotFound signals a missing file or symbol.
type ErrNotFound struct {
	Kind string // "file", "symbol"
	What string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.What) }

// ErrAmbiguity signals multiple symbol matches where one was expected.
type ErrAmbiguity struct {
	Query      string
	Candidates []string
}

func (e *ErrAmbiguity) Error() string {
	return fmt.Sprintf("ambiguous match for %q: %d candidates", e.Query, len(e.Candidates))
}

// ErrParse signals an AST, JSON, or regex parse failure.
type ErrParse struct {
	Source string
	Cause  error
}

func (e *ErrParse) Error() string { return fmt.Sprintf("parse error in %s: %v", e.Source, e.Cause) }
func (e *ErrParse) Unwrap() error  { return e.Cause }

// ErrPolicyDenied signals a tool call blocked by a confirm/deny glob rule.
type ErrPolicyDenied struct {
	Rule    string
	Command string
}

func (e *ErrPolicyDenied) Error() string {
	return fmt.Sprintf("denied by policy: %s (rule %q)", e.Command, e.Rule)
}

// ErrPrivacyDenied signals a path rejected by the privacy filter.
type ErrPrivacyDenied struct {
	Path string
}

func (e *ErrPrivacyDenied) Error() string { return fmt.Sprintf("privacy denied: %s", e.Path) }

// ErrGuardrail signals a patch rejected because it regressed AST/lint error
// counts.
type ErrGuardrail struct {
	File         string
	BeforeErrors int
	AfterErrors  int
}

func (e *ErrGuardrail) Error() string {
	return fmt.Sprintf("guardrail: %s has %d errors after edit, %d before", e.File, e.AfterErrors, e.BeforeErrors)
}

// ErrCancelled signals the caller cancelled the operation. Propagation of
// this error is always silent: no assistant-visible message is produced.
type ErrCancelled struct{}

func (e *ErrCancelled) Error() string { return "cancelled" }

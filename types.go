package refactd

import (
	"encoding/json"
	"time"
)

// --- Chat/tool data model ---

// ChatMessage is a single entry in a ChatSession's message log. Role determines
// how Content is interpreted by the provider and by the state machine.
type ChatMessage struct {
	Role         string          `json:"role"` // system, user, assistant, tool, context_file, cd_instruction, diff
	Content      string          `json:"content"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolFailed   bool            `json:"tool_failed,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	MessageID    string          `json:"message_id"`
	ContextFiles []ContextFile   `json:"context_files,omitempty"`
	DiffChunks   []DiffChunk     `json:"diff_chunks,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall is a function call the assistant asked to be performed. IDs
// prefixed "srvtoolu_" name server-executed calls the client-side dispatcher
// must skip.
type ToolCall struct {
	ID            string `json:"id"`
	FunctionName  string `json:"function_name"`
	ArgumentsJSON string `json:"arguments_json_string"`
	ToolType      string `json:"tool_type"` // "builtin", "shell", "mcp"
}

const serverToolPrefix = "srvtoolu_"

// IsServerExecuted reports whether this call is handled remotely and must be
// skipped by the local dispatcher.
func (t ToolCall) IsServerExecuted() bool {
	return len(t.ID) >= len(serverToolPrefix) && t.ID[:len(serverToolPrefix)] == serverToolPrefix
}

// ContextFile is a synthetic file excerpt produced by tools and by the
// postprocessor, and consumed by context assembly ahead of the next
// generation turn.
type ContextFile struct {
	FileName     string   `json:"file_name"`
	FileContent  string   `json:"file_content"`
	Line1        int      `json:"line1"`
	Line2        int      `json:"line2"`
	Symbols      []string `json:"symbols,omitempty"`
	GradientType int      `json:"gradient_type"`
	Usefulness   float64  `json:"usefulness"` // [0,100]; negative sentinel handled by the postprocessor
	SkipPP       bool     `json:"skip_pp,omitempty"`
}

// FileAction enumerates the kinds of change a DiffChunk represents.
type FileAction string

const (
	FileActionEdit   FileAction = "edit"
	FileActionAdd    FileAction = "add"
	FileActionRemove FileAction = "remove"
	FileActionRename FileAction = "rename"
)

// DiffChunk is a single file-level hunk produced by the patch toolchain.
type DiffChunk struct {
	FileName           string     `json:"file_name"`
	FileAction         FileAction `json:"file_action"`
	Line1              int        `json:"line1"`
	Line2              int        `json:"line2"`
	LinesRemove        string     `json:"lines_remove"`
	LinesAdd           string     `json:"lines_add"`
	FileNameRename     string     `json:"file_name_rename,omitempty"`
	ApplicationDetails string     `json:"application_details,omitempty"`
}

// --- Session state machine ---

// SessionState is one node of the chat/tool state machine.
type SessionState int

const (
	StateIdle SessionState = iota
	StateGenerating
	StateCheckConfirm
	StateExecutingTools
	StatePaused
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateGenerating:
		return "Generating"
	case StateCheckConfirm:
		return "CheckConfirm"
	case StateExecutingTools:
		return "ExecutingTools"
	case StatePaused:
		return "Paused"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// PauseReason records why a session entered StatePaused: a pending
// confirmation for one proposed tool call.
type PauseReason struct {
	ReasonType string `json:"reason_type"` // "confirmation"
	Command    string `json:"command"`
	Rule       string `json:"rule"`
	ToolCallID string `json:"tool_call_id"`
}

// ThreadParams carries the per-thread knobs that shape a turn: token budgets,
// model selection, and the chat mode used to filter the tool registry.
type ThreadParams struct {
	ThreadID         string `json:"thread_id"`
	ChatMode         string `json:"chat_mode"` // e.g. "agentic", "exploration", "read_only"
	ContextTokensCap int    `json:"context_tokens_cap"`
	Model            string `json:"model"`
}

func (t ThreadParams) contextTokensCapOrDefault() int {
	if t.ContextTokensCap <= 0 {
		return 8192
	}
	return t.ContextTokensCap
}

// ragTokenBudget returns the token allocation reserved for RAG context within
// a tool-execution context: half the context cap, but never less than 4096,
// so for caps under 8192 it exceeds half.
func (t ThreadParams) ragTokenBudget() int {
	half := t.contextTokensCapOrDefault() / 2
	if half < 4096 {
		return 4096
	}
	return half
}

// ChatSession is the append-only message log plus mutable state for a single
// logical chat thread. Only the state machine mutates State; messages are
// appended, never rewritten, including across a confirmation pause.
type ChatSession struct {
	Thread        ThreadParams
	Messages      []ChatMessage
	State         SessionState
	PausedReasons []PauseReason

	notify chan struct{}

	pausedPending  []ToolCall
	pausedApproved []ToolCall
	pausedAt       time.Time
	pauseTTL       time.Duration
}

// NewChatSession creates an empty session in StateIdle.
func NewChatSession(thread ThreadParams) *ChatSession {
	return &ChatSession{
		Thread: thread,
		State:  StateIdle,
		notify: make(chan struct{}, 1),
	}
}

// Notify returns the channel that receives a (non-blocking, coalesced) signal
// on every observable state transition.
func (s *ChatSession) Notify() <-chan struct{} { return s.notify }

func (s *ChatSession) setState(next SessionState) {
	s.State = next
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Append adds a message to the session log, assigning a MessageID if absent.
func (s *ChatSession) Append(msg ChatMessage) {
	if msg.MessageID == "" {
		msg.MessageID = NewID()
	}
	s.Messages = append(s.Messages, msg)
}

// LastAssistantToolCalls returns the tool_calls of the most recent assistant
// message, or nil if the last message is not from the assistant or carries
// none. Only the last assistant message's tool_calls are ever considered.
func (s *ChatSession) LastAssistantToolCalls() []ToolCall {
	if len(s.Messages) == 0 {
		return nil
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != "assistant" {
		return nil
	}
	return last.ToolCalls
}

// Usage is a provider token-accounting record.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Chat port types (the external Completions interface) ---

type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type ToolDesc struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Parameters     json.RawMessage `json:"parameters"`
	RequiredParams []string        `json:"required,omitempty"`
	Agentic        bool            `json:"agentic,omitempty"`
	Experimental   bool            `json:"experimental,omitempty"`
	Source         string          `json:"source"` // "builtin", "customization", "mcp"
}

type ChatRequest struct {
	Messages       []ChatMessage   `json:"messages"`
	Tools          []ToolDesc      `json:"tools,omitempty"`
	ResponseSchema *ResponseSchema `json:"response_schema,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// --- Constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text, MessageID: NewID()}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text, MessageID: NewID()}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text, MessageID: NewID()}
}

func ToolResultMessage(callID, content string, failed bool) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID, ToolFailed: failed, MessageID: NewID()}
}

func CdInstructionMessage(content string) ChatMessage {
	return ChatMessage{Role: "cd_instruction", Content: content, MessageID: NewID()}
}

func DiffMessage(chunks []DiffChunk) ChatMessage {
	return ChatMessage{Role: "diff", DiffChunks: chunks, MessageID: NewID()}
}

func ContextFileMessage(files []ContextFile) ChatMessage {
	return ChatMessage{Role: "context_file", ContextFiles: files, MessageID: NewID()}
}

// ToolDefinition is the flat tool schema predating the richer Tool interface
// in tool.go. The tools/ packages still describe themselves this way; the
// builtins adapters translate it into a ToolDesc before registration.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the flat execution result a PostToolProcessor inspects or
// redacts before it's relayed back to the LLM, mirroring ToolDefinition's
// provider-facing shape.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// --- Trajectory / knowledge memory ---

// Trajectory is the on-disk persisted form of a ChatSession: the full message log plus the bookkeeping the
// background memo-extraction task needs to decide whether, and how, to
// distill it.
type Trajectory struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	TitleAuto     bool          `json:"title_auto"` // true until the user (or an extraction pass) sets a real title
	Overview      string        `json:"overview,omitempty"`
	Messages      []ChatMessage `json:"messages"`
	UpdatedAt     time.Time     `json:"updated_at"`
	MemoExtracted bool          `json:"memo_extracted"`
}

// MemoType enumerates the kinds of memo distilled from a trajectory.
type MemoType string

const (
	MemoPattern    MemoType = "pattern"
	MemoPreference MemoType = "preference"
	MemoLesson     MemoType = "lesson"
	MemoDecision   MemoType = "decision"
	MemoInsight    MemoType = "insight"
)

// MemoRecord is one extracted memo line from the distillation prompt, before
// it is written into the knowledge DB as a MemoryRecord.
type MemoRecord struct {
	Type    MemoType `json:"type"`
	Content string   `json:"content"`
}

// MemoryRecord is a knowledge-base entry: front-matter plus a
// body, searchable by vector similarity. Source is either "user" (a memo the
// user wrote directly) or "trajectory" (auto-distilled from an abandoned
// chat session).
type MemoryRecord struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Tags    []string  `json:"tags,omitempty"`
	Created time.Time `json:"created"`
	Source  string    `json:"source"` // "user" or "trajectory"
	Body    string    `json:"body"`
}

package refactd

import (
	"context"
	"fmt"
	"time"
)

// Tunables for the chat/tool loop.
const (
	maxIterationsDefault = 50
	defaultPauseTTL      = 30 * time.Minute
	maxToolResultRunes   = 100_000
)

// ErrMaxIterations signals the per-turn generation/tool loop ran past its
// configured bound without settling into StateIdle or StatePaused.
type ErrMaxIterations struct{ Limit int }

func (e *ErrMaxIterations) Error() string {
	return fmt.Sprintf("exceeded max iterations (%d) without settling", e.Limit)
}

// ErrSessionNotPaused signals Resume was called on a session that is not
// currently StatePaused.
type ErrSessionNotPaused struct{ State SessionState }

func (e *ErrSessionNotPaused) Error() string {
	return fmt.Sprintf("session is not paused (state=%s)", e.State)
}

// ErrPauseExpired signals Resume was called after the pause's TTL elapsed;
// the pending tool calls are discarded and the turn must be replayed.
type ErrPauseExpired struct{ TTL time.Duration }

func (e *ErrPauseExpired) Error() string {
	return fmt.Sprintf("confirmation pause expired after %s", e.TTL)
}

// ErrMissingDecision signals Resume was called without a decision for one of
// the pending tool calls.
type ErrMissingDecision struct{ ToolCallID string }

func (e *ErrMissingDecision) Error() string {
	return fmt.Sprintf("missing decision for pending tool call %s", e.ToolCallID)
}

// PendingConfirm describes one tool call awaiting a user decision while the
// session sits in StatePaused.
type PendingConfirm struct {
	ToolCallID string `json:"tool_call_id"`
	Command    string `json:"command"`
	Rule       string `json:"rule"`
}

// RunConfig bundles the ports a Run/Resume call needs. ContextBuilder is
// optional: when nil, the request is built from Messages alone with no
// context-file assembly pass.
type RunConfig struct {
	Provider       Provider
	Registry       *Registry
	Policy         ConfirmPolicy
	ContextBuilder func(ctx context.Context, s *ChatSession) ([]ContextFile, error)
	// Postprocessor refines each dispatched tool call's raw ContextFile hits
	// before they're appended to the session; nil appends raw
	// hits. Distinct from ContextBuilder, which runs once per turn to seed
	// initial retrieval rather than per tool call.
	Postprocessor ContextPostprocessor
	// Processors, if set, runs PreLLM hooks over each outgoing request,
	// PostLLM hooks over each response, and PostTool hooks over every
	// dispatched tool result. A PreLLM or PostLLM hook returning ErrHalt
	// short-circuits the turn with its canned response as the final
	// assistant message; a PostTool ErrHalt replaces only that tool result.
	Processors    *ProcessorChain
	MaxIterations int
	PauseTTL      time.Duration
	WorkspaceRoot string
	// TrajectoryDir, when set, is the directory maybeSaveTrajectory writes "<thread_id>.json" into after every tool-execution
	// round. Empty disables trajectory persistence.
	TrajectoryDir string
	// Tracer, when set, wraps each generation call in a span. Nil disables span creation.
	Tracer Tracer
}

func (c *RunConfig) maxIterations() int {
	if c.MaxIterations <= 0 {
		return maxIterationsDefault
	}
	return c.MaxIterations
}

func (c *RunConfig) pauseTTL() time.Duration {
	if c.PauseTTL <= 0 {
		return defaultPauseTTL
	}
	return c.PauseTTL
}

// RunResult reports where a Run/Resume call left the session.
type RunResult struct {
	State   SessionState
	Pending []PendingConfirm
}

// Run drives the chat/tool loop:
//
//	Idle -> Generating -> CheckConfirm -> {Paused | ExecutingTools} -> Idle
//
// repeating Generating after every completed tool round, until the
// assistant produces a turn with no tool calls (-> Idle) or a pending tool
// call requires user confirmation (-> Paused). The caller is responsible for
// not calling Run concurrently on the same session.
func (s *ChatSession) Run(ctx context.Context, cfg *RunConfig) (RunResult, error) {
	if s.State == StateCancelled {
		return RunResult{State: StateCancelled}, &ErrCancelled{}
	}

	for iter := 0; iter < cfg.maxIterations(); iter++ {
		if err := ctx.Err(); err != nil {
			s.setState(StateCancelled)
			return RunResult{State: StateCancelled}, &ErrCancelled{}
		}

		if cfg.ContextBuilder != nil {
			files, err := cfg.ContextBuilder(ctx, s)
			if err != nil {
				return RunResult{State: s.State}, err
			}
			if len(files) > 0 {
				s.Append(ContextFileMessage(files))
			}
		}

		s.setState(StateGenerating)
		resp, err := cfg.chatWithTracing(ctx, s)
		if err != nil {
			if halt, ok := err.(*ErrHalt); ok {
				s.Append(AssistantMessage(halt.Response))
				s.setState(StateIdle)
				return RunResult{State: StateIdle}, nil
			}
			return RunResult{State: s.State}, err
		}

		assistant := AssistantMessage(resp.Content)
		assistant.ToolCalls = resp.ToolCalls
		usage := resp.Usage
		assistant.Usage = &usage
		s.Append(assistant)

		calls := liveCalls(resp.ToolCalls)
		if len(calls) == 0 {
			s.setState(StateIdle)
			return RunResult{State: StateIdle}, nil
		}

		s.setState(StateCheckConfirm)
		execute, denied, pending := s.checkConfirm(cfg.Registry, cfg.Policy, calls)
		for _, m := range denied {
			s.Append(m)
		}

		if len(pending) > 0 {
			s.pausedPending = pendingCalls(calls, pending)
			s.pausedApproved = execute
			s.pausedAt = time.Now()
			s.pauseTTL = cfg.pauseTTL()
			reasons := make([]PauseReason, 0, len(pending))
			for _, p := range pending {
				reasons = append(reasons, PauseReason{ReasonType: "confirmation", Command: p.Command, Rule: p.Rule, ToolCallID: p.ToolCallID})
			}
			s.PausedReasons = reasons
			s.setState(StatePaused)
			return RunResult{State: StatePaused, Pending: pending}, nil
		}

		s.setState(StateExecutingTools)
		ccx := &ToolCtx{Session: s, RagTokenBudget: s.Thread.ragTokenBudget(), WorkspaceRoot: cfg.WorkspaceRoot, Postprocessor: cfg.Postprocessor, Processors: cfg.Processors}
		for _, m := range dispatchParallel(ctx, cfg.Registry, ccx, execute) {
			s.Append(truncateToolMessage(m))
		}
		cfg.maybeSaveTrajectory(s)
	}

	return RunResult{State: s.State}, &ErrMaxIterations{Limit: cfg.maxIterations()}
}

// Resume supplies decisions for every call named in the session's current
// PendingConfirm set and continues the loop. decisions maps tool_call_id to
// ConfirmPass (approve) or ConfirmDeny (deny); any other decision value is
// treated as deny. A pause older than its TTL is rejected with
// ErrPauseExpired and must be replayed by the caller from the last user turn.
func (s *ChatSession) Resume(ctx context.Context, cfg *RunConfig, decisions map[string]ConfirmDecision) (RunResult, error) {
	if s.State != StatePaused {
		return RunResult{State: s.State}, &ErrSessionNotPaused{State: s.State}
	}
	if time.Since(s.pausedAt) > s.pauseTTL {
		s.clearPause()
		s.setState(StateCancelled)
		return RunResult{State: StateCancelled}, &ErrPauseExpired{TTL: s.pauseTTL}
	}

	toExecute := append([]ToolCall{}, s.pausedApproved...)
	for _, tc := range s.pausedPending {
		d, ok := decisions[tc.ID]
		if !ok {
			return RunResult{State: StatePaused}, &ErrMissingDecision{ToolCallID: tc.ID}
		}
		if d != ConfirmPass {
			s.Append(ToolResultMessage(tc.ID, "denied by user", true))
			continue
		}
		toExecute = append(toExecute, tc)
	}

	s.clearPause()
	s.setState(StateExecutingTools)
	ccx := &ToolCtx{Session: s, RagTokenBudget: s.Thread.ragTokenBudget(), WorkspaceRoot: cfg.WorkspaceRoot, Postprocessor: cfg.Postprocessor, Processors: cfg.Processors}
	for _, m := range dispatchParallel(ctx, cfg.Registry, ccx, toExecute) {
		s.Append(truncateToolMessage(m))
	}
	cfg.maybeSaveTrajectory(s)
	s.setState(StateIdle)

	return s.Run(ctx, cfg)
}

// Cancel moves the session to the terminal StateCancelled regardless of its
// current state. A cancelled session can never Run or Resume again.
func (s *ChatSession) Cancel() {
	s.clearPause()
	s.setState(StateCancelled)
}

func (s *ChatSession) clearPause() {
	s.pausedPending = nil
	s.pausedApproved = nil
	s.PausedReasons = nil
}

// chatWithTracing runs one generation call: PreLLM hooks over the outgoing
// request, cfg.Provider.Chat, then PostLLM hooks over the response, all
// wrapped in a span when a Tracer is configured. A hook's ErrHalt propagates to Run, which turns it into
// the final assistant message of the turn.
func (c *RunConfig) chatWithTracing(ctx context.Context, s *ChatSession) (ChatResponse, error) {
	if c.Tracer == nil {
		return c.chat(ctx, s)
	}
	var span Span
	ctx, span = c.Tracer.Start(ctx, "session.generate", StringAttr("thread_id", s.Thread.ThreadID))
	defer span.End()
	resp, err := c.chat(ctx, s)
	if err != nil {
		span.Error(err)
	} else {
		span.SetAttr(IntAttr("tool_call_count", len(resp.ToolCalls)))
	}
	return resp, err
}

func (c *RunConfig) chat(ctx context.Context, s *ChatSession) (ChatResponse, error) {
	req := s.buildRequest(c)
	if c.Processors != nil {
		if err := c.Processors.RunPreLLM(ctx, &req); err != nil {
			return ChatResponse{}, err
		}
	}
	resp, err := c.Provider.Chat(ctx, req)
	if err != nil {
		return resp, err
	}
	if c.Processors != nil {
		if err := c.Processors.RunPostLLM(ctx, &resp); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func (s *ChatSession) buildRequest(cfg *RunConfig) ChatRequest {
	return ChatRequest{
		Messages: s.Messages,
		Tools:    cfg.Registry.Describe(),
		Stream:   false,
	}
}

// checkConfirm evaluates every live call against the registry/policy,
// splitting it into calls cleared to execute now, denial tool-result
// messages to append immediately (no user input required for a DENY), and
// calls that must pause the turn for a user decision.
func (s *ChatSession) checkConfirm(reg *Registry, policy ConfirmPolicy, calls []ToolCall) (execute []ToolCall, denied []ChatMessage, pending []PendingConfirm) {
	for _, tc := range calls {
		res := reg.EvaluateCall(policy, tc)
		switch res.Decision {
		case ConfirmDeny:
			denied = append(denied, ToolResultMessage(tc.ID, fmt.Sprintf("denied by policy (rule %q): %s", res.Rule, res.Command), true))
		case ConfirmAsk:
			pending = append(pending, PendingConfirm{ToolCallID: tc.ID, Command: res.Command, Rule: res.Rule})
		default:
			execute = append(execute, tc)
		}
	}
	return
}

func liveCalls(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		if !tc.IsServerExecuted() {
			out = append(out, tc)
		}
	}
	return out
}

func pendingCalls(calls []ToolCall, pending []PendingConfirm) []ToolCall {
	want := make(map[string]bool, len(pending))
	for _, p := range pending {
		want[p.ToolCallID] = true
	}
	out := make([]ToolCall, 0, len(pending))
	for _, tc := range calls {
		if want[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}

func truncateToolMessage(m ChatMessage) ChatMessage {
	if m.Role != "tool" || len([]rune(m.Content)) <= maxToolResultRunes {
		return m
	}
	r := []rune(m.Content)
	m.Content = string(r[:maxToolResultRunes]) + "\n...[truncated]"
	return m
}

package observer

import (
	"context"
	"time"

	"github.com/relayforge/refactd"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRun drives one ChatSession.Run call under a session.run span that
// serves as the parent for all inner operations (LLM calls, tool executions)
// via context propagation.
func ObservedRun(ctx context.Context, inst *Instruments, s *refactd.ChatSession, cfg *refactd.RunConfig) (refactd.RunResult, error) {
	return instrumentRun(ctx, inst, s, cfg, "session.run", func(ctx context.Context) (refactd.RunResult, error) {
		return s.Run(ctx, cfg)
	})
}

// ObservedResume is ObservedRun's counterpart for resuming a paused session
// with the user's confirmation decisions.
func ObservedResume(ctx context.Context, inst *Instruments, s *refactd.ChatSession, cfg *refactd.RunConfig, decisions map[string]refactd.ConfirmDecision) (refactd.RunResult, error) {
	return instrumentRun(ctx, inst, s, cfg, "session.resume", func(ctx context.Context) (refactd.RunResult, error) {
		return s.Resume(ctx, cfg, decisions)
	})
}

func instrumentRun(ctx context.Context, inst *Instruments, s *refactd.ChatSession, _ *refactd.RunConfig, spanName string, run func(context.Context) (refactd.RunResult, error)) (refactd.RunResult, error) {
	ctx, span := inst.Tracer.Start(ctx, spanName, trace.WithAttributes(
		AttrSessionThread.String(s.Thread.ThreadID),
		AttrSessionMode.String(s.Thread.ChatMode),
	))
	defer span.End()
	start := time.Now()
	firstNew := len(s.Messages)

	span.AddEvent("session.started")

	result, err := run(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	switch {
	case result.State == refactd.StateCancelled:
		status = "cancelled"
		span.AddEvent("session.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.AddEvent("session.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.State == refactd.StatePaused:
		status = "paused"
		span.AddEvent("session.paused", trace.WithAttributes(
			attribute.Int("pending_confirmations", len(result.Pending)),
		))
	default:
		span.AddEvent("session.completed")
	}

	var usage refactd.Usage
	for _, m := range s.Messages[firstNew:] {
		if m.Usage != nil {
			usage.InputTokens += m.Usage.InputTokens
			usage.OutputTokens += m.Usage.OutputTokens
		}
	}

	span.SetAttributes(
		AttrSessionState.String(result.State.String()),
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
	)

	// Metrics
	inst.SessionRuns.Add(ctx, 1, metric.WithAttributes(
		AttrSessionThread.String(s.Thread.ThreadID),
		attribute.String("status", status),
	))
	inst.SessionDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrSessionMode.String(s.Thread.ChatMode),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("session run completed"))
	rec.AddAttributes(
		otellog.String("session.thread_id", s.Thread.ThreadID),
		otellog.String("session.chat_mode", s.Thread.ChatMode),
		otellog.String("session.status", status),
		otellog.Int("tokens.input", usage.InputTokens),
		otellog.Int("tokens.output", usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	inst.Logger.Emit(ctx, rec)

	return result, err
}

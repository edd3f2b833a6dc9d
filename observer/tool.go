package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relayforge/refactd"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a refactd.Tool with OTEL instrumentation. Describe,
// MatchConfirmDeny, and DependsOn pass through untouched; Execute runs under
// a tool.execute span with metrics and a structured log line.
type ObservedTool struct {
	inner refactd.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner refactd.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Describe() refactd.ToolDesc { return o.inner.Describe() }

func (o *ObservedTool) MatchConfirmDeny(args json.RawMessage) refactd.ConfirmResult {
	return o.inner.MatchConfirmDeny(args)
}

func (o *ObservedTool) DependsOn() []string { return o.inner.DependsOn() }

func (o *ObservedTool) Execute(ctx context.Context, ccx *refactd.ToolCtx, toolCallID string, args json.RawMessage) (bool, []refactd.ContextEnum, error) {
	name := o.inner.Describe().Name
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	corrections, outputs, err := o.inner.Execute(ctx, ccx, toolCallID, args)

	durationMs := float64(time.Since(start).Milliseconds())
	resultLen := 0
	status := "ok"
	for _, out := range outputs {
		if out.Message != nil {
			resultLen += len(out.Message.Content)
			if out.Message.ToolFailed {
				status = "tool_error"
			}
		}
		if out.ContextFile != nil {
			resultLen += len(out.ContextFile.FileContent)
		}
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(resultLen),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return corrections, outputs, err
}

// compile-time check
var _ refactd.Tool = (*ObservedTool)(nil)

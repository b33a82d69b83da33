package callbacks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the tracer name for lifecycle callback spans
	TracerName = "foreman-lifecycle"
)

// OTelCallback implements Callback with OpenTelemetry tracing. Each
// lifecycle event becomes a point-in-time span carrying foreman.*
// attributes; failed events carry error status.
type OTelCallback struct {
	tracer trace.Tracer
}

// NewOTelCallback creates a new OpenTelemetry callback
func NewOTelCallback() *OTelCallback {
	return &OTelCallback{
		tracer: otel.Tracer(TracerName),
	}
}

// taskAttrs converts TaskEventContext to OpenTelemetry attributes
func taskAttrs(ctx *TaskEventContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("foreman.task.id", ctx.TaskID),
		attribute.String("foreman.task.title", ctx.Title),
	}
	if ctx.Strategy != "" {
		attrs = append(attrs, attribute.String("foreman.task.strategy", ctx.Strategy))
	}
	if ctx.UnitCount > 0 {
		attrs = append(attrs,
			attribute.Int("foreman.task.units", ctx.UnitCount),
			attribute.Int("foreman.task.integrated", ctx.Integrated),
			attribute.Int("foreman.task.rejected", ctx.Rejected),
		)
	}
	if ctx.Duration != nil {
		attrs = append(attrs, attribute.Int64("foreman.task.duration_ms", ctx.Duration.Milliseconds()))
	}
	if ctx.Error != "" {
		attrs = append(attrs, attribute.String("foreman.task.error", ctx.Error))
	}
	for k, v := range ctx.Metadata {
		attrs = append(attrs, attribute.String(fmt.Sprintf("foreman.task.metadata.%s", k), v))
	}
	return attrs
}

// unitAttrs converts UnitEventContext to OpenTelemetry attributes
func unitAttrs(ctx *UnitEventContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("foreman.unit.id", ctx.UnitID),
		attribute.String("foreman.task.id", ctx.TaskID),
		attribute.String("foreman.unit.title", ctx.Title),
	}
	if ctx.Strategy != "" {
		attrs = append(attrs, attribute.String("foreman.unit.strategy", ctx.Strategy))
	}
	if ctx.PrevStatus != "" {
		attrs = append(attrs, attribute.String("foreman.unit.prev_status", ctx.PrevStatus))
	}
	if ctx.NewStatus != "" {
		attrs = append(attrs, attribute.String("foreman.unit.new_status", ctx.NewStatus))
	}
	if ctx.Attempt > 0 {
		attrs = append(attrs, attribute.Int("foreman.unit.attempt", ctx.Attempt))
	}
	if ctx.Duration != nil {
		attrs = append(attrs, attribute.Int64("foreman.unit.duration_ms", ctx.Duration.Milliseconds()))
	}
	if ctx.Error != "" {
		attrs = append(attrs,
			attribute.String("foreman.unit.error", ctx.Error),
			attribute.String("foreman.unit.error_type", ctx.ErrorType),
			attribute.String("foreman.unit.error_category", ctx.ErrorCategory),
		)
	}
	for k, v := range ctx.Metadata {
		attrs = append(attrs, attribute.String(fmt.Sprintf("foreman.unit.metadata.%s", k), v))
	}
	return attrs
}

// gateAttrs converts GateEventContext to OpenTelemetry attributes
func gateAttrs(ctx *GateEventContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("foreman.unit.id", ctx.UnitID),
		attribute.String("foreman.task.id", ctx.TaskID),
		attribute.String("foreman.gate.name", ctx.Gate),
		attribute.String("foreman.gate.verdict", ctx.Verdict),
		attribute.Int("foreman.gate.attempt", ctx.Attempt),
		attribute.Int("foreman.gate.max_attempts", ctx.MaxAttempts),
	}
	if len(ctx.BlockingIssues) > 0 {
		attrs = append(attrs, attribute.Int("foreman.gate.blocking_issues", len(ctx.BlockingIssues)))
	}
	if ctx.Summary != "" {
		attrs = append(attrs, attribute.String("foreman.gate.summary", ctx.Summary))
	}
	return attrs
}

// mergeAttrs converts MergeEventContext to OpenTelemetry attributes
func mergeAttrs(ctx *MergeEventContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("foreman.unit.id", ctx.UnitID),
		attribute.String("foreman.task.id", ctx.TaskID),
		attribute.String("foreman.merge.branch", ctx.Branch),
		attribute.String("foreman.merge.reason", ctx.Reason),
	}
	if len(ctx.Conflicts) > 0 {
		attrs = append(attrs, attribute.StringSlice("foreman.merge.conflicts", ctx.Conflicts))
	}
	return attrs
}

// startSpan starts a new span with the given name and attributes
func (o *OTelCallback) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithTimestamp(time.Now()))
}

func (o *OTelCallback) OnTaskStarted(ctx *TaskEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventTaskStarted), taskAttrs(ctx)...)
	span.End()
	return nil
}

func (o *OTelCallback) OnTaskCompleted(ctx *TaskEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventTaskCompleted), taskAttrs(ctx)...)
	span.SetStatus(codes.Ok, "task completed")
	span.End()
	return nil
}

func (o *OTelCallback) OnTaskFailed(ctx *TaskEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventTaskFailed), taskAttrs(ctx)...)
	if ctx.Error != "" {
		span.SetStatus(codes.Error, ctx.Error)
		span.RecordError(errors.New(ctx.Error))
	}
	span.End()
	return nil
}

func (o *OTelCallback) OnUnitStarted(ctx *UnitEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventUnitStarted), unitAttrs(ctx)...)
	span.End()
	return nil
}

func (o *OTelCallback) OnUnitExecuted(ctx *UnitEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventUnitExecuted), unitAttrs(ctx)...)
	span.End()
	return nil
}

func (o *OTelCallback) OnUnitIntegrated(ctx *UnitEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventUnitIntegrated), unitAttrs(ctx)...)
	span.SetStatus(codes.Ok, "all gates passed")
	span.End()
	return nil
}

func (o *OTelCallback) OnUnitMerged(ctx *UnitEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventUnitMerged), unitAttrs(ctx)...)
	span.SetStatus(codes.Ok, "consolidated")
	span.End()
	return nil
}

func (o *OTelCallback) OnUnitRejected(ctx *UnitEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventUnitRejected), unitAttrs(ctx)...)
	if ctx.Error != "" {
		span.SetStatus(codes.Error, ctx.Error)
		span.RecordError(errors.New(ctx.Error))
	}
	span.End()
	return nil
}

func (o *OTelCallback) OnUnitCancelled(ctx *UnitEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventUnitCancelled), unitAttrs(ctx)...)
	span.End()
	return nil
}

func (o *OTelCallback) OnGatePassed(ctx *GateEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventGatePassed), gateAttrs(ctx)...)
	span.End()
	return nil
}

func (o *OTelCallback) OnGateFailed(ctx *GateEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventGateFailed), gateAttrs(ctx)...)
	span.SetStatus(codes.Error, fmt.Sprintf("%s gate failed", ctx.Gate))
	span.End()
	return nil
}

func (o *OTelCallback) OnMergeFailed(ctx *MergeEventContext) error {
	_, span := o.startSpan(context.Background(), string(EventMergeFailed), mergeAttrs(ctx)...)
	span.SetStatus(codes.Error, ctx.Reason)
	span.End()
	return nil
}

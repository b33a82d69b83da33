// Package telemetry provides OpenTelemetry observability for Foreman
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Foreman
var tracer = otel.Tracer("foreman")

// Span names for Foreman operations
const (
	// Planning spans
	SpanPlanDecompose = "foreman.plan.decompose"
	SpanPlanScore     = "foreman.plan.score"
	SpanPlanStrategy  = "foreman.plan.strategy"

	// Unit spans
	SpanUnitClaim    = "foreman.unit.claim"
	SpanUnitExecute  = "foreman.unit.execute"
	SpanUnitComplete = "foreman.unit.complete"
	SpanUnitFail     = "foreman.unit.fail"
	SpanUnitRetry    = "foreman.unit.retry"

	// Worker spans
	SpanWorkerRun  = "foreman.worker.run"
	SpanWorkerPoll = "foreman.worker.poll"
	SpanWorkerLoop = "foreman.worker.loop"

	// Workspace spans
	SpanWorkspaceProvision = "foreman.workspace.provision"
	SpanWorkspaceSetup     = "foreman.workspace.setup"
	SpanWorkspaceReclaim   = "foreman.workspace.reclaim"

	// Agent spans
	SpanAgentExecute = "foreman.agent.execute"
	SpanAgentPrompt  = "foreman.agent.prompt"

	// Gate spans
	SpanGateRun      = "foreman.gate.run"
	SpanGatePipeline = "foreman.gate.pipeline"

	// Conflict spans
	SpanConflictDetect = "foreman.conflict.detect"

	// Consolidation spans
	SpanMergeUnit = "foreman.merge.unit"
	SpanMergeTask = "foreman.merge.task"
)

// StartWorkflowSpan starts a span for task orchestration
func StartWorkflowSpan(ctx context.Context, strategy, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyStrategy, strategy),
		attribute.String(KeyTaskID, taskID),
	)
	return tracer.Start(ctx, SpanWorkerRun, trace.WithAttributes(attrs...))
}

// StartUnitSpan starts a span for a work unit operation with unit attributes
func StartUnitSpan(ctx context.Context, name string, unitAttrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(unitAttrs...))
}

// StartWorkerSpan starts a span for a worker operation
func StartWorkerSpan(ctx context.Context, name string, workerID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorkerID, workerID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartAgentSpan starts a span for agent execution
func StartAgentSpan(ctx context.Context, agentType, variant string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyAgentType, agentType),
		attribute.String(KeyAgentVariant, variant),
	)
	return tracer.Start(ctx, SpanAgentExecute, trace.WithAttributes(attrs...))
}

// StartWorkspaceSpan starts a span for workspace operations
func StartWorkspaceSpan(ctx context.Context, name, workspacePath string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorkspacePath, workspacePath))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartGateSpan starts a span for a quality gate run
func StartGateSpan(ctx context.Context, unitID, gate string, attempt int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyUnitID, unitID),
		attribute.String(KeyGateName, gate),
		attribute.Int(KeyGateAttempt, attempt),
	)
	return tracer.Start(ctx, SpanGateRun, trace.WithAttributes(attrs...))
}

// StartMergeSpan starts a span for a consolidation merge
func StartMergeSpan(ctx context.Context, unitID, branch string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyUnitID, unitID),
		attribute.String(KeyWorkspaceBranch, branch),
	)
	return tracer.Start(ctx, SpanMergeUnit, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error and sets span status
func RecordErrorWithStatus(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	RecordError(span, err, errorType, errorCategory)
}

// SetUnitStatus sets the unit status as a span attribute
func SetUnitStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyUnitState, status))
}

// SetConflictInfo sets conflict-related attributes on a span
func SetConflictInfo(span trace.Span, unitA, unitB string, paths []string) {
	span.SetAttributes(
		attribute.String(KeyConflictUnitA, unitA),
		attribute.String(KeyConflictUnitB, unitB),
		attribute.StringSlice(KeyConflictPaths, paths),
	)
}

// AddProjectAttrs adds project attributes to a span
func AddProjectAttrs(span trace.Span, projectID, path, name string) {
	span.SetAttributes(
		attribute.String(KeyProjectID, projectID),
		attribute.String(KeyProjectPath, path),
		attribute.String(KeyProjectName, name),
	)
}

// AddTaskAttrs adds task attributes to a span
func AddTaskAttrs(span trace.Span, taskID string) {
	span.SetAttributes(attribute.String(KeyTaskID, taskID))
}

// WithUnitID creates an option to add unit ID to span attributes
func WithUnitID(unitID string) trace.SpanStartEventOption {
	return trace.WithAttributes(attribute.String(KeyUnitID, unitID))
}

// WithWorkerID creates an option to add worker ID to span attributes
func WithWorkerID(workerID string) trace.SpanStartEventOption {
	return trace.WithAttributes(attribute.String(KeyWorkerID, workerID))
}

// WithTaskID creates an option to add task ID to span attributes
func WithTaskID(taskID string) trace.SpanStartEventOption {
	return trace.WithAttributes(attribute.String(KeyTaskID, taskID))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from context if available
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}

// RecordGateVerdict records a gate verdict event on a span
func RecordGateVerdict(span trace.Span, gate, verdict string, blocking int) {
	span.AddEvent("gate_verdict", trace.WithAttributes(
		attribute.String(KeyGateName, gate),
		attribute.String(KeyGateVerdict, verdict),
		attribute.Int("foreman.gate.blocking_issues", blocking),
	))
	if verdict != "pass" {
		span.SetStatus(codes.Error, "gate "+gate+" failed")
	}
}

// RecordTestPassed records successful test execution on a span
func RecordTestPassed(span trace.Span, passed, failed, skipped int, duration time.Duration) {
	span.AddEvent("test_passed", trace.WithAttributes(
		attribute.Int("test.passed", passed),
		attribute.Int("test.failed", failed),
		attribute.Int("test.skipped", skipped),
		attribute.Int("test.total", passed+failed+skipped),
		attribute.Int64("test.duration_ms", duration.Milliseconds()),
	))
}

// RecordTestFailed records failed test execution on a span
func RecordTestFailed(span trace.Span, passed, failed, skipped int, duration time.Duration, errorMsg string) {
	span.AddEvent("test_failed", trace.WithAttributes(
		attribute.Int("test.passed", passed),
		attribute.Int("test.failed", failed),
		attribute.Int("test.skipped", skipped),
		attribute.Int("test.total", passed+failed+skipped),
		attribute.Int64("test.duration_ms", duration.Milliseconds()),
		attribute.String("test.error", errorMsg),
	))
	span.SetStatus(codes.Error, "tests failed")
}

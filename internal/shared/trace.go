package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type runKey struct{}
type pipelineKey struct{}
type taskKey struct{}

// WithTraceID attaches a trace_id to the context. A trace_id spans the whole
// lifetime of a pipeline, across every stage re-entry and crash/resume.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context. A run_id scopes one stage
// invocation (one runStage call); it changes on every retry/replan re-entry.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID extracts run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithPipelineID attaches the owning pipeline id to the context.
func WithPipelineID(ctx context.Context, pipelineID string) context.Context {
	return context.WithValue(ctx, pipelineKey{}, pipelineID)
}

// PipelineID extracts pipeline_id from context. Returns "-" if absent.
func PipelineID(ctx context.Context) string {
	if v, ok := ctx.Value(pipelineKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithTaskID attaches the current task id (parallel_execution sub-task) to
// the context, so tools and agent prompts can build idempotency keys.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "-" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

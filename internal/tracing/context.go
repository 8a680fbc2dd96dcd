package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the planner run ID
	RunIDKey ContextKey = "run_id"
	// IdentityKey is the context key for the caller identity a run acts for
	IdentityKey ContextKey = "identity"
	// LabelKey is the context key for the sandbox label of the current script
	LabelKey ContextKey = "label"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID  string
	RunID    string
	Identity string
	Label    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithLabel adds a sandbox label to the context
func WithLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, LabelKey, label)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	return getString(ctx, RunIDKey)
}

// GetIdentity retrieves the caller identity from the context
func GetIdentity(ctx context.Context) string {
	return getString(ctx, IdentityKey)
}

// GetLabel retrieves the sandbox label from the context
func GetLabel(ctx context.Context) string {
	return getString(ctx, LabelKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		RunID:    GetRunID(ctx),
		Identity: GetIdentity(ctx),
		Label:    GetLabel(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.Identity != "" {
		ctx = WithIdentity(ctx, tc.Identity)
	}
	if tc.Label != "" {
		ctx = WithLabel(ctx, tc.Label)
	}
	return ctx
}

// NewRunContext starts a planner run: it keeps an existing trace ID (or creates
// one) and binds a fresh run ID and the identity. The run ID is returned too.
func NewRunContext(ctx context.Context, identity string) (context.Context, string) {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	runID := NewRunID()
	ctx = WithRunID(ctx, runID)
	ctx = WithIdentity(ctx, identity)
	return ctx, runID
}

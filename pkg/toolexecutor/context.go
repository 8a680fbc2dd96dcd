package toolexecutor

import "context"

type execContextKey struct{}

// ExecutionContext describes the call a handler is serving
type ExecutionContext struct {
	Identity string
	Provider string
	Tool     string
}

// ContextWithExecContext attaches the execution context to a context.Context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(execContextKey{}); v != nil {
		if execCtx, ok := v.(*ExecutionContext); ok {
			return execCtx
		}
	}
	return nil
}

// IdentityFromContext returns the identity a handler is running for
func IdentityFromContext(ctx context.Context) string {
	if execCtx := ExecContextFromContext(ctx); execCtx != nil {
		return execCtx.Identity
	}
	return ""
}

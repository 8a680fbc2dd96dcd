package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrToolNotFound is returned by invokers that know their tool set
var ErrToolNotFound = errors.New("tool not found")

// Response is the outcome of one tool invocation
type Response struct {
	Successful bool            `json:"successful"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Invoker calls a named tool on a named provider on behalf of an identity.
// A returned error means the call itself failed; a tool-level failure is a
// Response with Successful set to false.
type Invoker interface {
	Call(ctx context.Context, provider, tool string, payload json.RawMessage, identity string) (Response, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, provider, tool string, payload json.RawMessage, identity string) (Response, error)

// Call implements Invoker
func (f InvokerFunc) Call(ctx context.Context, provider, tool string, payload json.RawMessage, identity string) (Response, error) {
	return f(ctx, provider, tool, payload, identity)
}

// Package toolexecutor invokes tools on providers for a caller identity.
//
// Invoker is the single seam the planner calls through. Two
// implementations exist: LocalInvoker runs registered in-process handlers
// (including tools proxied from MCP servers), and WebSocketInvoker speaks
// JSON-RPC to a remote tool gateway.
//
// Invariants:
// - Tools are keyed by "provider.name".
// - Parameters are schema-validated before a handler runs.
// - Handlers see the caller identity through IdentityFromContext.
//
// Usage:
//
//	inv := toolexecutor.NewLocalInvoker(toolexecutor.LocalConfig{})
//	_ = inv.RegisterTool(toolexecutor.ToolDefinition{
//		Provider: "util", Name: "echo", Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	resp, err := inv.Call(ctx, "util", "echo", json.RawMessage(`{"text":"hi"}`), "user-1")
package toolexecutor

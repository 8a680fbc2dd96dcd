package toolexecutor

import (
	"context"
	"fmt"
	"strings"
)

// RegisterMCPServer registers every tool an MCP server advertises under provider
func (li *LocalInvoker) RegisterMCPServer(ctx context.Context, provider string, server *MCPServer) ([]string, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, fmt.Errorf("mcp provider is required")
	}
	if server == nil {
		return nil, fmt.Errorf("mcp server is required")
	}

	tools, err := server.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch MCP tools: %w", err)
	}

	registered := make([]string, 0, len(tools))
	for _, tool := range tools {
		name := tool.Name
		if name == "" {
			continue
		}

		description := tool.Description
		if description == "" {
			description = name
		}

		def := ToolDefinition{
			Provider:    provider,
			Name:        name,
			Description: description,
			Parameters:  parseMCPToolParameters(tool.InputSchema),
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return server.CallTool(ctx, name, params)
			},
		}

		if err := li.RegisterTool(def); err != nil {
			return registered, fmt.Errorf("failed to register MCP tool %s: %w", name, err)
		}
		registered = append(registered, def.QualifiedID())
	}

	return registered, nil
}

package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/autopilot/pkg/discovery"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ToolPolicy defines which tools an identity can use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // qualified ids, "provider.*" or "*"
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides allow
}

// IsToolAllowed checks if a qualified tool id is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(qualifiedID string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range tp.Deny {
		if matchPattern(denied, qualifiedID) {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if matchPattern(allowed, qualifiedID) {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

func matchPattern(pattern, qualifiedID string) bool {
	if pattern == "*" || pattern == qualifiedID {
		return true
	}
	if provider, tool, ok := discovery.SplitQualifiedID(pattern); ok && tool == "*" {
		p, _, _ := discovery.SplitQualifiedID(qualifiedID)
		return p == provider
	}
	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Provider    string          `json:"provider"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Keywords    []string        `json:"keywords,omitempty"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// QualifiedID returns "provider.name"
func (d ToolDefinition) QualifiedID() string {
	return discovery.QualifiedID(d.Provider, d.Name)
}

// ToolHandler is the function signature for tool execution.
// The caller's identity is available through IdentityFromContext.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// LocalConfig configures a LocalInvoker
type LocalConfig struct {
	// Timeout bounds each handler call; zero means 30s
	Timeout time.Duration
}

// LocalInvoker runs in-process tool handlers
type LocalInvoker struct {
	tools    map[string]*ToolDefinition
	schemas  map[string]*gojsonschema.Schema
	policies map[string]*ToolPolicy
	timeout  time.Duration
	mu       sync.RWMutex
}

var _ Invoker = (*LocalInvoker)(nil)

// NewLocalInvoker creates an empty LocalInvoker
func NewLocalInvoker(cfg LocalConfig) *LocalInvoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	li := &LocalInvoker{
		tools:    make(map[string]*ToolDefinition),
		schemas:  make(map[string]*gojsonschema.Schema),
		policies: make(map[string]*ToolPolicy),
		timeout:  timeout,
	}

	log.Debug().Dur("timeout", timeout).Msg("Local tool invoker initialized")

	return li
}

// RegisterTool registers a new tool
func (li *LocalInvoker) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def.Parameters)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	li.mu.Lock()
	defer li.mu.Unlock()

	id := def.QualifiedID()
	li.tools[id] = &def
	li.schemas[id] = schema

	log.Debug().Str("tool", id).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (li *LocalInvoker) UnregisterTool(provider, name string) {
	li.mu.Lock()
	defer li.mu.Unlock()

	id := discovery.QualifiedID(provider, name)
	delete(li.tools, id)
	delete(li.schemas, id)

	log.Debug().Str("tool", id).Msg("Tool unregistered")
}

// GetTool returns a tool definition
func (li *LocalInvoker) GetTool(provider, name string) *ToolDefinition {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return li.tools[discovery.QualifiedID(provider, name)]
}

// ListTools returns all registered qualified tool ids, sorted
func (li *LocalInvoker) ListTools() []string {
	li.mu.RLock()
	defer li.mu.RUnlock()

	tools := make([]string, 0, len(li.tools))
	for id := range li.tools {
		tools = append(tools, id)
	}
	sort.Strings(tools)

	return tools
}

// GetToolCount returns the number of registered tools
func (li *LocalInvoker) GetToolCount() int {
	li.mu.RLock()
	defer li.mu.RUnlock()

	return len(li.tools)
}

// SetPolicy restricts the tools an identity may call; nil removes the restriction
func (li *LocalInvoker) SetPolicy(identity string, policy *ToolPolicy) {
	li.mu.Lock()
	defer li.mu.Unlock()

	if policy == nil {
		delete(li.policies, identity)
		return
	}
	li.policies[identity] = policy
}

// Definitions returns every registered definition, sorted by qualified id
func (li *LocalInvoker) Definitions() []ToolDefinition {
	li.mu.RLock()
	defer li.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(li.tools))
	for _, def := range li.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].QualifiedID() < defs[j].QualifiedID() })
	return defs
}

// Call implements Invoker
func (li *LocalInvoker) Call(ctx context.Context, provider, tool string, payload json.RawMessage, identity string) (Response, error) {
	startTime := time.Now()
	id := discovery.QualifiedID(provider, tool)

	li.mu.RLock()
	def := li.tools[id]
	schema := li.schemas[id]
	policy := li.policies[identity]
	li.mu.RUnlock()

	if def == nil {
		log.Error().Str("tool", id).Msg("Tool not found")
		return Response{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}

	if !policy.IsToolAllowed(id) {
		log.Warn().
			Str("tool", id).
			Str("identity", identity).
			Msg("Tool execution blocked by policy")
		return Response{
			Successful: false,
			Error:      fmt.Sprintf("tool '%s' is not allowed for this identity", id),
		}, nil
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(payload, &params); err != nil {
		return Response{Successful: false, Error: fmt.Sprintf("payload must be a JSON object: %v", err)}, nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	if err := validateAgainst(schema, gojsonschema.NewGoLoader(params)); err != nil {
		log.Error().Str("tool", id).Err(err).Msg("Parameter validation failed")
		return Response{Successful: false, Error: err.Error()}, nil
	}

	log.Debug().Str("tool", id).Str("identity", identity).Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, li.timeout)
	defer cancel()
	timeoutCtx = ContextWithExecContext(timeoutCtx, &ExecutionContext{Identity: identity, Provider: provider, Tool: tool})

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := def.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		data, err := json.Marshal(result)
		if err != nil {
			return Response{Successful: false, Error: fmt.Sprintf("failed to encode result: %v", err)}, nil
		}

		log.Debug().
			Str("tool", id).
			Dur("duration", time.Since(startTime)).
			Int("bytes", len(data)).
			Msg("Tool execution completed")

		return Response{Successful: true, Data: data}, nil

	case err := <-errChan:
		log.Error().
			Str("tool", id).
			Dur("duration", time.Since(startTime)).
			Err(err).
			Msg("Tool execution failed")

		return Response{Successful: false, Error: err.Error()}, nil

	case <-timeoutCtx.Done():
		log.Error().
			Str("tool", id).
			Dur("duration", time.Since(startTime)).
			Msg("Tool execution timeout")

		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("tool %s cancelled: %w", id, ctx.Err())
		}
		return Response{Successful: false, Error: fmt.Sprintf("tool execution timeout after %v", li.timeout)}, nil
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Provider == "" {
		return fmt.Errorf("tool provider cannot be empty")
	}
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type mcpError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPTool is a tool advertised by an MCP server
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPServer is a stdio client for one Model Context Protocol server process
type MCPServer struct {
	command string
	args    []string
	env     []string
	timeout time.Duration

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	id      int
	pending map[int]chan *mcpResponse
}

// NewMCPServer creates a client for the server started by command and args
func NewMCPServer(command string, args []string, env []string) *MCPServer {
	return &MCPServer{
		command: command,
		args:    args,
		env:     env,
		timeout: 10 * time.Second,
		pending: make(map[int]chan *mcpResponse),
	}
}

// Start starts the server process once and performs the initialize handshake
func (s *MCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.process != nil {
		s.mu.Unlock()
		return nil
	}

	// The process outlives the ctx of the call that happened to start it
	cmd := exec.Command(s.command, s.args...)
	if len(s.env) > 0 {
		cmd.Env = s.env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return err
	}

	s.process = cmd
	s.stdin = stdin
	s.stdout = bufio.NewScanner(stdout)
	s.stdout.Buffer(make([]byte, 64*1024), 16*1024*1024)
	s.mu.Unlock()

	go s.listen()

	return s.initialize(ctx)
}

func (s *MCPServer) listen() {
	for s.stdout.Scan() {
		var resp mcpResponse
		if err := json.Unmarshal(s.stdout.Bytes(), &resp); err != nil {
			log.Error().Err(err).Str("command", s.command).Msg("Failed to unmarshal MCP response")
			continue
		}

		if id, ok := resp.ID.(float64); ok {
			s.mu.Lock()
			ch, exists := s.pending[int(id)]
			if exists {
				delete(s.pending, int(id))
				ch <- &resp
			}
			s.mu.Unlock()
		}
	}
}

func (s *MCPServer) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "autopilot",
			"version": "0.1.0",
		},
	}
	_, err := s.call(ctx, "initialize", params)
	return err
}

func (s *MCPServer) call(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	s.mu.Lock()
	s.id++
	id := s.id
	ch := make(chan *mcpResponse, 1)
	s.pending[id] = ch
	stdin := s.stdin
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(mcpRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}

	if _, err := io.WriteString(stdin, string(data)+"\n"); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.timeout):
		return nil, fmt.Errorf("MCP request timeout")
	}
}

// CallTool invokes a tool and returns the raw MCP result
func (s *MCPServer) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (json.RawMessage, error) {
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	resp, err := s.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ListTools fetches the tools the server advertises
func (s *MCPServer) ListTools(ctx context.Context) ([]MCPTool, error) {
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	resp, err := s.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []MCPTool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, err
	}
	return listResult.Tools, nil
}

// Stop kills the server process
func (s *MCPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.process != nil && s.process.Process != nil {
		err := s.process.Process.Kill()
		_ = s.process.Wait()
		s.process = nil
		return err
	}
	return nil
}

func parseMCPToolParameters(schema json.RawMessage) []ToolParameter {
	if len(schema) == 0 {
		return nil
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil
	}

	properties, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]ToolParameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := ToolParameter{
			Name:     name,
			Required: required[name],
			Type:     "string",
		}
		if typeVal, ok := prop["type"].(string); ok {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}

	return params
}

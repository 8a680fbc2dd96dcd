package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harun/autopilot/pkg/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultConfig()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "gemini" }},
		{"missing model", func(c *Config) { c.Model = " " }},
		{"zero max tokens", func(c *Config) { c.MaxTokens = 0 }},
		{"negative price", func(c *Config) { c.InputUSDPerMTok = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}

	cfg := DefaultConfig()
	cfg.Provider = "gemini"
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestNew_SelectsProvider(t *testing.T) {
	cfg := DefaultConfig()
	a, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, a.Provider())

	cfg.Provider = ProviderOpenAI
	cfg.Model = "gpt-4o"
	a, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, a.Provider())
}

func TestConfig_Cost(t *testing.T) {
	cfg := Config{InputUSDPerMTok: 3, OutputUSDPerMTok: 15}
	assert.InDelta(t, 0.0105, cfg.Cost(1000, 500), 1e-9)
	assert.Zero(t, cfg.Cost(0, 0))
}

func TestRenderPrompt(t *testing.T) {
	state := PromptState{
		Task:         "  forward unread invoices to accounting ",
		Identity:     "alice",
		ExtraContext: map[string]any{"timezone": "UTC", "limits": map[string]int{"emails": 5}},
		Budget:       budget.Budget{MaxSteps: 10, MaxToolCalls: 5, MaxCodeRuns: 2, MaxLLMCostUSD: 1},
		Usage:        budget.Snapshot{StepsTaken: 3, ToolCalls: 1, EstimatedLLMCostUSD: 0.25},
		Menu:         []string{"gmail.gmail_list: List messages", "gmail.gmail_send: Send a message"},
		Providers:    []string{"gmail"},
		Summaries:    []string{"tool.gmail.gmail_list: 2 messages"},
		RecentSteps: []StepOutcome{
			{Type: "search", Success: true, Preview: "2 results"},
			{Type: "tool", Success: false, Preview: "bad payload", ErrorCode: "tool_payload_invalid"},
		},
	}

	p := RenderPrompt(state)
	assert.Equal(t, SystemPrompt, p.System)
	assert.Contains(t, p.System, `load("//capabilities/<provider>", "<provider>")`)

	assert.True(t, strings.HasPrefix(p.User, "Task:\nforward unread invoices to accounting\n"))
	assert.Contains(t, p.User, "- limits: {\"emails\":5}\n- timezone: UTC\n")
	assert.Contains(t, p.User, "Budget remaining: 7 steps, 4 tool calls, 2 sandbox runs, $0.7500 LLM spend")
	assert.Contains(t, p.User, "Known providers: gmail")
	assert.Contains(t, p.User, "- gmail.gmail_send: Send a message\n")
	assert.Contains(t, p.User, "- tool.gmail.gmail_list: 2 messages\n")
	assert.Contains(t, p.User, "- tool failed (tool_payload_invalid): bad payload\n")
	assert.NotContains(t, p.User, "previous reply was empty")
	assert.True(t, strings.HasSuffix(p.User, "Next command:"))

	state.Menu = nil
	state.EmptyRetry = true
	p = RenderPrompt(state)
	assert.Contains(t, p.User, "(none yet; use search)")
	assert.Contains(t, p.User, "previous reply was empty")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("invalid request")))
	assert.True(t, IsRetryable(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestAnthropicAdapter_GeneratePlan(t *testing.T) {
	var captured map[string]any
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "{\"type\":\"finish\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1000, "output_tokens": 100}
		}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Model = "claude-test"
	cfg.BaseURL = server.URL + "/"
	cfg.MaxRetries = 0

	resp, err := NewAnthropicAdapter(cfg).GeneratePlan(context.Background(), PromptState{Task: "say done"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"finish"}`, resp.Text)
	assert.Equal(t, 1000, resp.InputTokens)
	assert.Equal(t, 100, resp.OutputTokens)
	assert.InDelta(t, 0.0045, resp.CostUSD, 1e-9)

	assert.Equal(t, "claude-test", captured["model"])
	assert.Contains(t, raw, "say done")
	assert.Contains(t, raw, "You are the planner")
}

func TestAnthropicAdapter_ErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = server.URL + "/"
	cfg.MaxRetries = 0

	_, err := NewAnthropicAdapter(cfg).GeneratePlan(context.Background(), PromptState{Task: "x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestOpenAIAdapter_GeneratePlan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		messages := body["messages"].([]any)
		require.Len(t, messages, 2)
		assert.Equal(t, "system", messages[0].(map[string]any)["role"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"type\":\"fail\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2000, "completion_tokens": 200, "total_tokens": 2200}
		}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Provider = ProviderOpenAI
	cfg.Model = "gpt-test"
	cfg.APIKey = "test-key"
	cfg.BaseURL = server.URL + "/"
	cfg.MaxRetries = 0
	cfg.InputUSDPerMTok = 2.5
	cfg.OutputUSDPerMTok = 10

	resp, err := NewOpenAIAdapter(cfg).GeneratePlan(context.Background(), PromptState{Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"fail"}`, resp.Text)
	assert.InDelta(t, 0.007, resp.CostUSD, 1e-9)
}

func TestAdapterFunc(t *testing.T) {
	a := AdapterFunc(func(ctx context.Context, state PromptState) (Response, error) {
		return Response{Text: state.Task}, nil
	})
	resp, err := a.GeneratePlan(context.Background(), PromptState{Task: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Text)
	assert.Equal(t, "func", a.Provider())
}

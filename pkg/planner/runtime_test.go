package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/harun/autopilot/pkg/budget"
	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/llm"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry returns the tools whose id contains a query word, or all of them
// for the task-text query when matchAll is set.
type fakeRegistry struct {
	mu       sync.Mutex
	tools    []discovery.ToolDescriptor
	topology map[string][]string
	version  int64
	matchAll bool
}

func (f *fakeRegistry) Search(ctx context.Context, req discovery.SearchRequest) ([]discovery.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []discovery.ToolDescriptor
	for _, t := range f.tools {
		if f.matchAll || strings.Contains(strings.ToLower(req.Query), strings.ToLower(t.ToolName)) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Version(ctx context.Context, identity string) (int64, error) {
	return f.version, nil
}

func (f *fakeRegistry) Topology(ctx context.Context, identity string) (map[string][]string, error) {
	return f.topology, nil
}

func tool(provider, name string, params string) discovery.ToolDescriptor {
	d := discovery.ToolDescriptor{
		Provider:    provider,
		ToolName:    name,
		Available:   true,
		Score:       1,
		Description: provider + " " + name,
	}
	if params != "" {
		d.Parameters = json.RawMessage(params)
	}
	return d
}

// scriptedAdapter replays replies in order and repeats the last one
type scriptedAdapter struct {
	mu      sync.Mutex
	replies []string
	cost    float64
	calls   int
	states  []llm.PromptState
}

func (a *scriptedAdapter) GeneratePlan(ctx context.Context, state llm.PromptState) (llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.states = append(a.states, state)
	i := a.calls
	if i >= len(a.replies) {
		i = len(a.replies) - 1
	}
	a.calls++
	return llm.Response{Text: a.replies[i], CostUSD: a.cost}, nil
}

func (a *scriptedAdapter) Provider() string { return "scripted" }

func (a *scriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSandbox struct {
	calls   atomic.Int32
	execute func(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

func (f *fakeSandbox) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.calls.Add(1)
	if f.execute == nil {
		return sandbox.Result{Success: true, Result: json.RawMessage(`null`)}, nil
	}
	return f.execute(ctx, req)
}

func sandboxCommand(label, code string) string {
	b, _ := json.Marshal(map[string]string{"type": "sandbox", "label": label, "code": code})
	return string(b)
}

type harness struct {
	registry    *fakeRegistry
	adapter     *scriptedAdapter
	sandbox     *fakeSandbox
	invokeCalls atomic.Int32
	invoke      func(provider, tool string, payload json.RawMessage, identity string) (toolexecutor.Response, error)
	runtime     *Runtime
	root        string
}

func newHarness(t *testing.T, replies ...string) *harness {
	t.Helper()

	h := &harness{
		registry: &fakeRegistry{
			tools: []discovery.ToolDescriptor{
				tool("gmail", "gmail_list", ""),
				tool("gmail", "gmail_send", `{"type":"object","properties":{"to":{"type":"string"}},"required":["to"]}`),
				tool("echo", "whoami", ""),
			},
			topology: map[string][]string{"gmail": {"gmail_list", "gmail_send"}, "echo": {"whoami"}},
			version:  1,
			matchAll: true,
		},
		adapter: &scriptedAdapter{replies: replies},
		sandbox: &fakeSandbox{},
		root:    t.TempDir(),
	}
	h.invoke = func(provider, tool string, payload json.RawMessage, identity string) (toolexecutor.Response, error) {
		return toolexecutor.Response{Successful: true, Data: json.RawMessage(`{"ok":true}`)}, nil
	}

	cfg := DefaultConfig()
	cfg.Discovery = discovery.New(discovery.Config{Registry: h.registry})
	cfg.Invoker = toolexecutor.InvokerFunc(func(ctx context.Context, provider, tool string, payload json.RawMessage, identity string) (toolexecutor.Response, error) {
		h.invokeCalls.Add(1)
		return h.invoke(provider, tool, payload, identity)
	})
	cfg.Sandbox = h.sandbox
	cfg.Adapter = h.adapter
	cfg.StorageRoot = h.root

	rt, err := New(cfg)
	require.NoError(t, err)
	h.runtime = rt
	return h
}

func (h *harness) run(task string, b *budget.Budget) TaskResult {
	return h.runtime.ExecuteTask(context.Background(), TaskRequest{Task: task, Identity: "alice", Budget: b})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.Error(t, err)
}

func TestExecuteTask_FinishDefaultsSummary(t *testing.T) {
	h := newHarness(t, `{"type":"finish"}`)

	res := h.run("say hi", nil)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, DefaultFinishSummary, res.FinalSummary)
	assert.Nil(t, res.Error)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StepFinish, res.Steps[0].Type)
	assert.Equal(t, 1, res.BudgetUsage.StepsTaken)
	assert.NotEmpty(t, res.RunID)
}

func TestExecuteTask_FinishSummaryEchoed(t *testing.T) {
	h := newHarness(t, "```json\n{\"type\":\"finish\",\"summary\":\"Sent 2 emails\"}\n```")

	res := h.run("send", nil)
	require.True(t, res.Success)
	assert.Equal(t, "Sent 2 emails", res.FinalSummary)
}

func TestExecuteTask_StepBudgetIsExact(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max_steps=%d", n), func(t *testing.T) {
			h := newHarness(t, `{"type":"search","query":"gmail_list"}`)

			res := h.run("loop forever", &budget.Budget{MaxSteps: n})
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, CodeBudgetExceeded, res.Error.Code)
			assert.Contains(t, res.Error.Message, string(budget.ReasonSteps))
			assert.Equal(t, n, h.adapter.Calls())
			assert.Equal(t, n, res.BudgetUsage.StepsTaken)
			assert.Len(t, res.Steps, n)
		})
	}
}

func TestExecuteTask_UndiscoveredToolIsRejected(t *testing.T) {
	t.Run("known provider, tool never discovered", func(t *testing.T) {
		h := newHarness(t, `{"type":"tool","provider":"gmail","tool":"gmail_send","payload":{"to":"x@y.z"}}`)
		h.registry.matchAll = false

		res := h.run("archive invoices", nil)
		assert.False(t, res.Success)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeUndiscoveredTool, res.Error.Code)
		assert.Contains(t, res.Error.Preview, "gmail.gmail_send")
		assert.Zero(t, h.invokeCalls.Load())
	})

	t.Run("unknown provider", func(t *testing.T) {
		h := newHarness(t, `{"type":"tool","provider":"gmail","tool":"gmail_send","payload":{"to":"x@y.z"}}`)
		h.registry.tools = nil
		h.registry.topology = nil

		res := h.run("archive invoices", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeUnknownServer, res.Error.Code)
		assert.True(t, res.Error.Code.IsValidation())
		assert.Zero(t, h.invokeCalls.Load())
	})

	t.Run("unavailable tool", func(t *testing.T) {
		h := newHarness(t, `{"type":"tool","provider":"gmail","tool":"gmail_list"}`)
		h.registry.tools[0].Available = false

		res := h.run("list mail", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeUnknownTool, res.Error.Code)
		assert.Zero(t, h.invokeCalls.Load())
	})
}

func TestExecuteTask_ToolCallStoresRawOutputs(t *testing.T) {
	h := newHarness(t,
		`{"type":"tool","provider":"gmail","tool":"gmail_list"}`,
		`{"type":"tool","tool":"gmail.gmail_list","payload":{"page":2}}`,
		`{"type":"finish","summary":"listed"}`,
	)
	var page atomic.Int32
	h.invoke = func(provider, tool string, payload json.RawMessage, identity string) (toolexecutor.Response, error) {
		assert.Equal(t, "alice", identity)
		return toolexecutor.Response{Successful: true, Data: json.RawMessage(fmt.Sprintf(`{"page":%d}`, page.Add(1)))}, nil
	}

	res := h.run("list my mail", nil)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, 2, res.BudgetUsage.ToolCalls)

	require.Contains(t, res.RawOutputs, "tool.gmail.gmail_list")
	require.Contains(t, res.RawOutputs, "tool.gmail.gmail_list#2")
	assert.JSONEq(t, `{"page":1}`, string(res.RawOutputs["tool.gmail.gmail_list"].Data))
	assert.JSONEq(t, `{"page":2}`, string(res.RawOutputs["tool.gmail.gmail_list#2"].Data))

	require.Len(t, res.Steps, 3)
	assert.Equal(t, "tool.gmail.gmail_list", res.Steps[0].ResultKey)
	assert.Equal(t, "tool.gmail.gmail_list#2", res.Steps[1].ResultKey)
	assert.Equal(t, []int{1, 2, 3}, []int{res.Steps[0].Index, res.Steps[1].Index, res.Steps[2].Index})

	// The second prompt sees the first result
	require.GreaterOrEqual(t, len(h.adapter.states), 2)
	assert.Contains(t, strings.Join(h.adapter.states[1].Summaries, "\n"), `{"page":1}`)
}

func TestExecuteTask_ToolExecutionFailed(t *testing.T) {
	tests := []struct {
		name   string
		invoke func() (toolexecutor.Response, error)
		want   string
	}{
		{
			name:   "transport error",
			invoke: func() (toolexecutor.Response, error) { return toolexecutor.Response{}, errors.New("gateway unreachable") },
			want:   "gateway unreachable",
		},
		{
			name:   "tool reported failure",
			invoke: func() (toolexecutor.Response, error) { return toolexecutor.Response{Successful: false, Error: "quota exceeded"}, nil },
			want:   "quota exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, `{"type":"tool","provider":"gmail","tool":"gmail_list"}`, `{"type":"finish"}`)
			h.invoke = func(string, string, json.RawMessage, string) (toolexecutor.Response, error) { return tt.invoke() }

			res := h.run("list", nil)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, CodeToolExecutionFailed, res.Error.Code)
			assert.Contains(t, res.Error.Message, tt.want)
			assert.Contains(t, res.FinalSummary, "Task failed")

			require.Len(t, res.Steps, 1)
			assert.False(t, res.Steps[0].Success)
			assert.Equal(t, CodeToolExecutionFailed, res.Steps[0].ErrorCode)
			assert.Empty(t, res.RawOutputs)
		})
	}
}

func TestExecuteTask_InvalidPayloadContinues(t *testing.T) {
	h := newHarness(t,
		`{"type":"tool","provider":"gmail","tool":"gmail_send","payload":{}}`,
		`{"type":"tool","provider":"gmail","tool":"gmail_send","payload":{"to":"boss@example.com"}}`,
		`{"type":"finish"}`,
	)

	res := h.run("email the boss", nil)
	require.True(t, res.Success, "%+v", res.Error)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, CodeToolPayloadInvalid, res.Steps[0].ErrorCode)
	assert.False(t, res.Steps[0].Success)
	assert.True(t, res.Steps[1].Success)
	assert.Equal(t, int32(1), h.invokeCalls.Load())
	assert.Equal(t, 1, res.BudgetUsage.ToolCalls)
}

func TestExecuteTask_EmptyResponses(t *testing.T) {
	t.Run("one free retry", func(t *testing.T) {
		h := newHarness(t, "", `{"type":"finish"}`)

		res := h.run("task", nil)
		require.True(t, res.Success)
		assert.Equal(t, 2, h.adapter.Calls())
		assert.Equal(t, 1, res.BudgetUsage.StepsTaken)
		assert.True(t, h.adapter.states[1].EmptyRetry)
	})

	t.Run("two empties in one iteration", func(t *testing.T) {
		h := newHarness(t, "", "  ")

		res := h.run("task", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeParseError, res.Error.Code)
		assert.Equal(t, 2, h.adapter.Calls())
	})

	t.Run("run-wide cap", func(t *testing.T) {
		h := newHarness(t, "", `{"type":"search","query":"x"}`, "", `{"type":"finish"}`)
		h.runtime.config.MaxEmptyRetries = 1

		res := h.run("task", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeParseError, res.Error.Code)
		assert.Equal(t, 3, h.adapter.Calls())
	})
}

func TestExecuteTask_ParseErrors(t *testing.T) {
	tests := []struct {
		reply string
		code  ErrorCode
	}{
		{"I think we should send an email", CodeParseError},
		{`["tool"]`, CodeParseError},
		{`{"type":"tool","provider":"gmail"}`, CodeParseError},
		{`{"type":"dance"}`, CodeUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			h := newHarness(t, tt.reply)
			res := h.run("task", nil)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.NotEmpty(t, res.Error.Preview)
			assert.Empty(t, res.Steps)
		})
	}
}

func TestExecuteTask_FailAndLLMError(t *testing.T) {
	h := newHarness(t, `{"type":"fail","reason":"no calendar access"}`)
	res := h.run("book a meeting", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodePlannerFailAction, res.Error.Code)
	assert.Equal(t, "no calendar access", res.Error.Message)

	h = newHarness(t, `{"type":"finish"}`)
	h.runtime.adapter = llm.AdapterFunc(func(ctx context.Context, state llm.PromptState) (llm.Response, error) {
		return llm.Response{}, errors.New("connection reset by peer")
	})
	res = h.run("anything", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeLLMCallFailed, res.Error.Code)
	assert.True(t, res.Error.Retryable)
}

func TestExecuteTask_DiscoveryFailedEscalation(t *testing.T) {
	h := newHarness(t,
		`{"type":"search","query":"calendar"}`,
		`{"type":"search","query":"meetings"}`,
		`{"type":"tool","provider":"calendar","tool":"create_event"}`,
	)
	h.registry.matchAll = false

	res := h.run("book a meeting", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeDiscoveryFailed, res.Error.Code)
	assert.Contains(t, res.Error.Message, "no suitable tools")
	require.Len(t, res.Steps, 2)
	assert.Contains(t, res.Steps[0].Preview, "0 results")
}

func TestExecuteTask_SearchThenUse(t *testing.T) {
	h := newHarness(t,
		`{"type":"search","query":"whoami","detail_level":"full","limit":5}`,
		`{"type":"tool","provider":"echo","tool":"whoami"}`,
		`{"type":"finish"}`,
	)
	h.registry.matchAll = false

	res := h.run("tell me who I am", nil)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Contains(t, res.Steps[0].Preview, "echo.whoami")
	assert.Contains(t, h.adapter.states[1].Menu[0], "echo.whoami")
}

func TestExecuteTask_ToolBudgetRefusesCall(t *testing.T) {
	h := newHarness(t,
		`{"type":"tool","provider":"gmail","tool":"gmail_list"}`,
		`{"type":"tool","provider":"gmail","tool":"gmail_list"}`,
	)

	res := h.run("list twice", &budget.Budget{MaxToolCalls: 1})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeBudgetExceeded, res.Error.Code)
	assert.Equal(t, int32(1), h.invokeCalls.Load())
}

func TestExecuteTask_CostBudget(t *testing.T) {
	h := newHarness(t, `{"type":"search","query":"x"}`)
	h.adapter.cost = 0.6

	res := h.run("expensive", &budget.Budget{MaxLLMCostUSD: 1})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeBudgetExceeded, res.Error.Code)
	assert.Contains(t, res.Error.Message, string(budget.ReasonLLMCost))
	assert.Equal(t, 2, h.adapter.Calls())
	assert.InDelta(t, 1.2, res.BudgetUsage.EstimatedLLMCostUSD, 1e-9)
}

func TestExecuteTask_LargeOutputIsSummarized(t *testing.T) {
	h := newHarness(t, `{"type":"tool","provider":"gmail","tool":"gmail_list"}`, `{"type":"finish"}`)

	items := make([]map[string]any, 300)
	for i := range items {
		items[i] = map[string]any{"id": i, "token": "secret"}
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	h.invoke = func(string, string, json.RawMessage, string) (toolexecutor.Response, error) {
		return toolexecutor.Response{Successful: true, Data: data}, nil
	}

	res := h.run("list everything", nil)
	require.True(t, res.Success, "%+v", res.Error)

	assert.JSONEq(t, string(data), string(res.RawOutputs["tool.gmail.gmail_list"].Data))
	assert.Contains(t, res.Steps[0].Preview, "truncated")

	stored := filepath.Join(h.root, "alice", res.RunID, "tool.gmail.gmail_list.json")
	body, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"[REDACTED]"`)
	assert.NotContains(t, string(body), "secret")
}

func TestExecuteTask_SyntaxErrorsThenTerminal(t *testing.T) {
	bad := `{"type":"sandbox","label":"fix","code":"return ("}`
	h := newHarness(t, bad, bad, bad)

	res := h.run("script it", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeSandboxSyntaxError, res.Error.Code)
	require.Len(t, res.Steps, 3)
	for _, s := range res.Steps {
		assert.Equal(t, CodeSandboxSyntaxError, s.ErrorCode)
	}
	assert.Zero(t, h.sandbox.calls.Load())
	assert.Zero(t, res.BudgetUsage.CodeRuns)
}

func TestExecuteTask_SyntaxStreakResetsOnValidScript(t *testing.T) {
	bad := `{"type":"sandbox","label":"fix","code":"return ("}`
	good := `{"type":"sandbox","label":"fix","code":"return 1"}`
	h := newHarness(t, bad, bad, good, bad, `{"type":"finish"}`)

	res := h.run("script it", nil)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, int32(1), h.sandbox.calls.Load())
}

func TestExecuteTask_SandboxUsesBridge(t *testing.T) {
	h := newHarness(t,
		sandboxCommand("digest", `load("//capabilities/gmail", "gmail")`+"\nreturn gmail.gmail_list(limit=2)"),
		`{"type":"finish"}`,
	)
	h.invoke = func(provider, tool string, payload json.RawMessage, identity string) (toolexecutor.Response, error) {
		return toolexecutor.Response{Successful: true, Data: json.RawMessage(`[{"id":"m1"}]`)}, nil
	}
	h.sandbox.execute = func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		assert.Equal(t, "alice", req.Identity)
		assert.Equal(t, "digest", req.Label)
		assert.Contains(t, req.Capabilities, "gmail")

		resp, err := req.Bridge(ctx, "gmail", "gmail_list", json.RawMessage(`{"limit":2}`))
		if err != nil {
			return sandbox.Result{}, err
		}
		_, err = req.Bridge(ctx, "gmail", "gmail_delete", json.RawMessage(`{}`))
		assert.Error(t, err)

		return sandbox.Result{Success: true, Result: resp.Data, Logs: []string{"fetched"}}, nil
	}

	res := h.run("digest my mail", nil)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, 1, res.BudgetUsage.CodeRuns)
	assert.Equal(t, 1, res.BudgetUsage.ToolCalls)
	assert.Contains(t, res.RawOutputs, "sandbox.digest")
	assert.Contains(t, res.RawOutputs, "tool.gmail.gmail_list")
	assert.Equal(t, []string{"fetched"}, res.RawOutputs["sandbox.digest"].Logs)
	assert.Contains(t, res.Logs, "[sandbox:digest] fetched")
}

func TestExecuteTask_SandboxRejections(t *testing.T) {
	t.Run("undiscovered module", func(t *testing.T) {
		h := newHarness(t, sandboxCommand("", `load("//capabilities/slack", "slack")`+"\nreturn slack.post(text=\"hi\")"))

		res := h.run("post", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeUndiscoveredTool, res.Error.Code)
		assert.Zero(t, h.sandbox.calls.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, `{"type":"sandbox","label":"slow","code":"sleep(5)"}`)
		h.sandbox.execute = func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
			return sandbox.Result{TimedOut: true, ExitCode: -1, Logs: []string{"partial"}, Error: "sandbox execution timed out after 100ms"}, nil
		}

		res := h.run("wait", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeSandboxRuntimeError, res.Error.Code)
		assert.True(t, res.Error.Retryable)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, CodeSandboxRuntimeError, res.Steps[0].ErrorCode)
		assert.Contains(t, res.Logs, "[sandbox:slow] partial")
	})

	t.Run("runtime error", func(t *testing.T) {
		h := newHarness(t, `{"type":"sandbox","code":"return 1"}`)
		h.sandbox.execute = func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
			return sandbox.Result{ExitCode: 1, Error: "exit code 1: error: division by zero"}, nil
		}

		res := h.run("divide", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeSandboxRuntimeError, res.Error.Code)
		assert.Contains(t, res.Error.Message, "division by zero")
	})
}

func TestExecuteTask_ConcurrentIdentitiesDoNotLeak(t *testing.T) {
	adapter := llm.AdapterFunc(func(ctx context.Context, state llm.PromptState) (llm.Response, error) {
		if len(state.RecentSteps) == 0 {
			return llm.Response{Text: `{"type":"tool","provider":"echo","tool":"whoami"}`}, nil
		}
		return llm.Response{Text: `{"type":"finish","summary":"done for ` + state.Identity + `"}`}, nil
	})

	h := newHarness(t)
	h.runtime.adapter = adapter
	h.invoke = func(provider, tool string, payload json.RawMessage, identity string) (toolexecutor.Response, error) {
		data, _ := json.Marshal(map[string]string{"identity": identity})
		return toolexecutor.Response{Successful: true, Data: data}, nil
	}

	identities := []string{"u1", "u2", "u3", "u4", "u5"}
	results := make([]TaskResult, len(identities))

	var wg sync.WaitGroup
	for i, id := range identities {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = h.runtime.ExecuteTask(context.Background(), TaskRequest{Task: "who am I", Identity: id})
		}(i, id)
	}
	wg.Wait()

	runIDs := map[string]bool{}
	for i, id := range identities {
		res := results[i]
		require.True(t, res.Success, "%s: %+v", id, res.Error)
		assert.Equal(t, "done for "+id, res.FinalSummary)
		require.Len(t, res.RawOutputs, 1)

		out := res.RawOutputs["tool.echo.whoami"]
		assert.Equal(t, id, out.Identity)
		assert.JSONEq(t, `{"identity":"`+id+`"}`, string(out.Data))
		runIDs[res.RunID] = true
	}
	assert.Len(t, runIDs, len(identities))
}

func TestExecuteTask_InvalidRequest(t *testing.T) {
	h := newHarness(t, `{"type":"finish"}`)

	res := h.runtime.ExecuteTask(context.Background(), TaskRequest{Task: "x"})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidRequest, res.Error.Code)

	res = h.runtime.ExecuteTask(context.Background(), TaskRequest{Task: "x", Identity: "a", Budget: &budget.Budget{MaxSteps: -1}})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidRequest, res.Error.Code)
	assert.Zero(t, h.adapter.Calls())
}

func TestRunContext_RawOutputLookup(t *testing.T) {
	rc := newRunContext("run", TaskRequest{Task: "t", Identity: "bob"}, budget.Default(), 10, "")

	assert.Equal(t, "tool.a.b", rc.storeRaw("tool.a.b", json.RawMessage(`1`), nil))
	assert.Equal(t, "tool.a.b#2", rc.storeRaw("tool.a.b", json.RawMessage(`2`), nil))
	assert.Equal(t, "tool.a.b#3", rc.storeRaw("tool.a.b", nil, nil))

	latest, ok := rc.RawOutput("tool.a.b")
	require.True(t, ok)
	assert.Equal(t, "tool.a.b#3", latest.Key)
	assert.Equal(t, "null", string(latest.Data))
	assert.Equal(t, []string{"tool.a.b", "tool.a.b#2", "tool.a.b#3"}, rc.RawOutputKeys())

	_, ok = rc.RawOutput("sandbox.x")
	assert.False(t, ok)
}

func TestClipPreview_ClipsOnRuneBoundary(t *testing.T) {
	got := clipPreview(strings.Repeat("日本", 100))

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 300)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "short text", clipPreview("  short\n text "))
}

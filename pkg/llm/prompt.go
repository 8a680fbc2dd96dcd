package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/autopilot/pkg/budget"
)

// StepOutcome is the planner-facing view of one recorded step
type StepOutcome struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Preview   string `json:"preview"`
	ErrorCode string `json:"error_code,omitempty"`
}

// PromptState is everything the model sees when choosing the next command
type PromptState struct {
	Task         string
	Identity     string
	ExtraContext map[string]any
	Budget       budget.Budget
	Usage        budget.Snapshot
	Menu         []string
	Providers    []string
	Summaries    []string
	RecentSteps  []StepOutcome
	Iteration    int

	// EmptyRetry is set when the previous reply in this iteration was empty
	EmptyRetry bool
}

// Remaining returns what is left of each ceiling
func (s PromptState) Remaining() budget.Snapshot {
	return s.Usage.Remaining(s.Budget)
}

// Prompt is a rendered system and user message pair
type Prompt struct {
	System string
	User   string
}

// SystemPrompt describes the command grammar and the script convention
const SystemPrompt = `You are the planner of an autonomous task runtime. Each turn you reply with exactly one JSON object and nothing else.

Commands:
{"type": "tool", "provider": "<provider>", "tool": "<tool>", "payload": {...}}
  Call one discovered tool directly. "tool" may also be the qualified id "<provider>.<tool>".
{"type": "sandbox", "label": "<short_label>", "code": "<starlark script>"}
  Run a short Starlark script that orchestrates several discovered tools.
{"type": "search", "query": "<what you need>", "detail_level": "summary" | "full", "limit": 1-50}
  Look for more tools. Use "full" to see parameter schemas.
{"type": "finish", "summary": "<what was accomplished>"}
{"type": "fail", "reason": "<why the task cannot be done>"}

Rules:
- Only use tools listed under "Discovered tools". Never invent a provider or tool name.
- Payloads must match the tool's parameter schema.
- Finish as soon as the task is done. Budgets are hard limits.

Sandbox scripts:
- Import a provider with load("//capabilities/<provider>", "<provider>") or an alias: load("//capabilities/gmail", mail="gmail").
- Non-identifier characters in provider and tool names become "_": google-drive/list-files is google_drive.list_files.
- Call tools with keyword arguments only: mail.gmail_send(to="a@b.c", subject="hi").
- Use "return" at top level to hand back a JSON-serializable result. print() output is kept as logs.
- Available builtins: print, json.encode, json.decode, struct, sleep, identity. Nothing else can be loaded.`

// RenderPrompt builds the system and user messages for a planning turn
func RenderPrompt(state PromptState) Prompt {
	var sb strings.Builder

	sb.WriteString("Task:\n")
	sb.WriteString(strings.TrimSpace(state.Task))
	sb.WriteString("\n")

	if len(state.ExtraContext) > 0 {
		sb.WriteString("\nContext:\n")
		keys := make([]string, 0, len(state.ExtraContext))
		for k := range state.ExtraContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, contextValue(state.ExtraContext[k]))
		}
	}

	remaining := state.Remaining()
	fmt.Fprintf(&sb, "\nBudget remaining: %d steps, %d tool calls, %d sandbox runs, $%.4f LLM spend\n",
		remaining.StepsTaken, remaining.ToolCalls, remaining.CodeRuns, remaining.EstimatedLLMCostUSD)

	if len(state.Providers) > 0 {
		fmt.Fprintf(&sb, "\nKnown providers: %s\n", strings.Join(state.Providers, ", "))
	}

	sb.WriteString("\nDiscovered tools:\n")
	if len(state.Menu) == 0 {
		sb.WriteString("(none yet; use search)\n")
	}
	for _, line := range state.Menu {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	if len(state.Summaries) > 0 {
		sb.WriteString("\nRecent results:\n")
		for _, s := range state.Summaries {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	if len(state.RecentSteps) > 0 {
		sb.WriteString("\nLast steps:\n")
		for _, step := range state.RecentSteps {
			status := "ok"
			if !step.Success {
				status = "failed"
				if step.ErrorCode != "" {
					status += " (" + step.ErrorCode + ")"
				}
			}
			fmt.Fprintf(&sb, "- %s %s: %s\n", step.Type, status, step.Preview)
		}
	}

	if state.EmptyRetry {
		sb.WriteString("\nYour previous reply was empty. Reply with exactly one JSON command.\n")
	}
	sb.WriteString("\nNext command:")

	return Prompt{System: SystemPrompt, User: sb.String()}
}

func contextValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

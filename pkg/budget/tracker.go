package budget

import "sync"

// Reason identifies which ceiling was hit
type Reason string

const (
	ReasonSteps     Reason = "max_steps"
	ReasonToolCalls Reason = "max_tool_calls"
	ReasonCodeRuns  Reason = "max_code_runs"
	ReasonLLMCost   Reason = "max_llm_cost"
)

// Snapshot is an immutable copy of the counters
type Snapshot struct {
	StepsTaken          int     `json:"steps_taken"`
	ToolCalls           int     `json:"tool_calls"`
	CodeRuns            int     `json:"code_runs"`
	EstimatedLLMCostUSD float64 `json:"estimated_llm_cost_usd"`
}

// Remaining returns what is left of each ceiling, floored at zero
func (s Snapshot) Remaining(b Budget) Snapshot {
	return Snapshot{
		StepsTaken:          max(b.MaxSteps-s.StepsTaken, 0),
		ToolCalls:           max(b.MaxToolCalls-s.ToolCalls, 0),
		CodeRuns:            max(b.MaxCodeRuns-s.CodeRuns, 0),
		EstimatedLLMCostUSD: max(b.MaxLLMCostUSD-s.EstimatedLLMCostUSD, 0),
	}
}

// Tracker holds the mutable counters of a single run.
// The sandbox tool bridge records tool calls from its own goroutine, hence the mutex.
type Tracker struct {
	budget Budget

	mu       sync.Mutex
	steps    int
	tools    int
	codeRuns int
	llmCost  float64
}

// NewTracker creates a tracker bound to the given ceilings
func NewTracker(b Budget) *Tracker {
	return &Tracker{budget: b}
}

// Budget returns the ceilings this tracker checks against
func (t *Tracker) Budget() Budget {
	return t.budget
}

// RecordStep counts one loop iteration
func (t *Tracker) RecordStep() {
	t.mu.Lock()
	t.steps++
	t.mu.Unlock()
}

// RecordToolCall counts one tool invocation
func (t *Tracker) RecordToolCall() {
	t.mu.Lock()
	t.tools++
	t.mu.Unlock()
}

// RecordCodeRun counts one sandbox execution
func (t *Tracker) RecordCodeRun() {
	t.mu.Lock()
	t.codeRuns++
	t.mu.Unlock()
}

// AddLLMCost adds the estimated cost of one LLM call. Negative deltas are ignored.
func (t *Tracker) AddLLMCost(delta float64) {
	if delta <= 0 {
		return
	}
	t.mu.Lock()
	t.llmCost += delta
	t.mu.Unlock()
}

// Snapshot returns a copy of the current counters
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		StepsTaken:          t.steps,
		ToolCalls:           t.tools,
		CodeRuns:            t.codeRuns,
		EstimatedLLMCostUSD: t.llmCost,
	}
}

// Exceeded returns the first ceiling hit, checked in a fixed order.
// Steps are exhausted once stepsTaken reaches maxSteps; the other counters
// are exceeded when they go past their ceiling.
func (t *Tracker) Exceeded() (Reason, bool) {
	s := t.Snapshot()

	switch {
	case s.StepsTaken >= t.budget.MaxSteps:
		return ReasonSteps, true
	case s.ToolCalls > t.budget.MaxToolCalls:
		return ReasonToolCalls, true
	case s.CodeRuns > t.budget.MaxCodeRuns:
		return ReasonCodeRuns, true
	case s.EstimatedLLMCostUSD > t.budget.MaxLLMCostUSD:
		return ReasonLLMCost, true
	}
	return "", false
}

// AllowToolCall records a tool call and reports whether it stays within the ceiling.
// A refused call is still counted, so Exceeded reports it afterwards.
func (t *Tracker) AllowToolCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools++
	return t.tools <= t.budget.MaxToolCalls
}

// AllowCodeRun records a sandbox execution and reports whether it stays within the ceiling
func (t *Tracker) AllowCodeRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codeRuns++
	return t.codeRuns <= t.budget.MaxCodeRuns
}

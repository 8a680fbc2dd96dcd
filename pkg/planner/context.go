package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/autopilot/pkg/budget"
	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/llm"
)

// RunContext is the state of a single run. It is created per ExecuteTask
// call and never shared, so concurrent runs cannot observe each other.
// Steps, raw outputs and logs are append-only.
type RunContext struct {
	runID      string
	task       string
	identity   string
	extra      map[string]any
	tracker    *budget.Tracker
	index      *discovery.Index
	storageDir string

	// Guards the append-only records below; the sandbox tool bridge writes
	// raw outputs from its own goroutine.
	mu        sync.Mutex
	steps     []Step
	rawOrder  []string
	raw       map[string]RawOutput
	latest    map[string]string
	summaries []string
	logs      []string

	// Loop-only state, touched by the run goroutine alone
	searches      int
	searchHits    int
	emptyRetries  int
	syntaxStreaks map[string]int
}

func newRunContext(runID string, req TaskRequest, b budget.Budget, menuSize int, storageDir string) *RunContext {
	extra := make(map[string]any, len(req.ExtraContext))
	for k, v := range req.ExtraContext {
		extra[k] = v
	}
	return &RunContext{
		runID:         runID,
		task:          req.Task,
		identity:      req.Identity,
		extra:         extra,
		tracker:       budget.NewTracker(b),
		index:         discovery.NewIndex(menuSize),
		storageDir:    storageDir,
		raw:           make(map[string]RawOutput),
		latest:        make(map[string]string),
		syntaxStreaks: make(map[string]int),
	}
}

// Task returns the task text
func (rc *RunContext) Task() string { return rc.task }

// Identity returns the caller identity the run acts for
func (rc *RunContext) Identity() string { return rc.identity }

// Index returns the run's discovery index
func (rc *RunContext) Index() *discovery.Index { return rc.index }

// RunID returns the run ID
func (rc *RunContext) RunID() string { return rc.runID }

// Tracker returns the run's budget tracker
func (rc *RunContext) Tracker() *budget.Tracker { return rc.tracker }

// StorageDir returns where summarized payloads of this run are stored
func (rc *RunContext) StorageDir() string { return rc.storageDir }

func (rc *RunContext) recordStep(step Step) Step {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	step.Index = len(rc.steps) + 1
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	rc.steps = append(rc.steps, step)

	status := "ok"
	if !step.Success {
		status = "failed"
		if step.ErrorCode != "" {
			status += " (" + string(step.ErrorCode) + ")"
		}
	}
	rc.logs = append(rc.logs, fmt.Sprintf("step %d %s %s: %s", step.Index, step.Type, status, step.Preview))
	return step
}

// storeRaw keeps a full output under base, or base#n when base is taken
func (rc *RunContext) storeRaw(base string, data json.RawMessage, logs []string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := base
	for n := 2; ; n++ {
		if _, taken := rc.raw[key]; !taken {
			break
		}
		key = fmt.Sprintf("%s#%d", base, n)
	}

	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	rc.raw[key] = RawOutput{
		Key:      key,
		Identity: rc.identity,
		Data:     append(json.RawMessage(nil), data...),
		Logs:     append([]string(nil), logs...),
	}
	rc.rawOrder = append(rc.rawOrder, key)
	rc.latest[base] = key
	return key
}

// RawOutput returns the most recent output stored under base
func (rc *RunContext) RawOutput(base string) (RawOutput, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key, ok := rc.latest[base]
	if !ok {
		return RawOutput{}, false
	}
	return rc.raw[key], true
}

// RawOutputKeys returns raw output keys in the order they were stored
func (rc *RunContext) RawOutputKeys() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.rawOrder...)
}

func (rc *RunContext) addSummary(s string) {
	rc.mu.Lock()
	rc.summaries = append(rc.summaries, s)
	rc.mu.Unlock()
}

func (rc *RunContext) logf(format string, args ...any) {
	rc.mu.Lock()
	rc.logs = append(rc.logs, fmt.Sprintf(format, args...))
	rc.mu.Unlock()
}

func (rc *RunContext) appendScriptLogs(label string, lines []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, line := range lines {
		rc.logs = append(rc.logs, fmt.Sprintf("[sandbox:%s] %s", label, line))
	}
}

// Steps returns a copy of the step log
func (rc *RunContext) Steps() []Step {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]Step(nil), rc.steps...)
}

// Logs returns a copy of the run log
func (rc *RunContext) Logs() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.logs...)
}

func (rc *RunContext) recentSummaries(n int) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.summaries) > n {
		return append([]string(nil), rc.summaries[len(rc.summaries)-n:]...)
	}
	return append([]string(nil), rc.summaries...)
}

func (rc *RunContext) recentSteps(n int) []llm.StepOutcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	start := 0
	if len(rc.steps) > n {
		start = len(rc.steps) - n
	}
	out := make([]llm.StepOutcome, 0, len(rc.steps)-start)
	for _, s := range rc.steps[start:] {
		out = append(out, llm.StepOutcome{
			Type:      string(s.Type),
			Success:   s.Success,
			Preview:   s.Preview,
			ErrorCode: string(s.ErrorCode),
		})
	}
	return out
}

// noteSearch records a refined discovery and how many tools it returned
func (rc *RunContext) noteSearch(results int) {
	rc.searches++
	if results > 0 {
		rc.searchHits++
	}
}

// searchExhausted reports whether at least two searches ran and none found anything
func (rc *RunContext) searchExhausted() bool {
	return rc.searches >= 2 && rc.searchHits == 0
}

func (rc *RunContext) result() TaskResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	raw := make(map[string]RawOutput, len(rc.raw))
	for k, v := range rc.raw {
		raw[k] = v
	}
	return TaskResult{
		RunID:       rc.runID,
		RawOutputs:  raw,
		BudgetUsage: rc.tracker.Snapshot(),
		Budget:      rc.tracker.Budget(),
		Logs:        append([]string{}, rc.logs...),
		Steps:       append([]Step{}, rc.steps...),
	}
}

func clipPreview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 300 {
		cut := 297
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

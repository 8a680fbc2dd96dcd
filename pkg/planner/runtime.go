package planner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/harun/autopilot/pkg/budget"
	"github.com/harun/autopilot/pkg/command"
	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/llm"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/summarizer"
	"github.com/harun/autopilot/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Defaults for Config
const (
	DefaultMaxEmptyRetries = 3
	DefaultRecentSteps     = 5
	DefaultRecentSummaries = 5
	DefaultFinishSummary   = "Task completed."

	// MaxSyntaxErrors is the number of consecutive syntax errors for one label that ends a run
	MaxSyntaxErrors = 3
)

// SandboxRunner executes generated scripts
type SandboxRunner interface {
	Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

// Config holds the collaborators and limits of a Runtime
type Config struct {
	Discovery  *discovery.Discovery
	Invoker    toolexecutor.Invoker
	Sandbox    SandboxRunner
	Adapter    llm.Adapter
	Summarizer *summarizer.Summarizer

	// Budget is the default ceiling set; callers may override parts of it per task
	Budget budget.Budget

	MenuSize   int
	MenuDetail discovery.DetailLevel

	// StorageRoot is where summarized payloads go, as <root>/<identity>/<run id>
	StorageRoot string

	MaxEmptyRetries int
	RecentSteps     int
	RecentSummaries int

	Logger zerolog.Logger
}

// DefaultConfig returns a configuration without collaborators
func DefaultConfig() Config {
	return Config{
		Budget:          budget.Default(),
		MenuSize:        discovery.DefaultMenuSize,
		MenuDetail:      discovery.DetailSummary,
		StorageRoot:     filepath.Join(".autopilot", "summaries"),
		MaxEmptyRetries: DefaultMaxEmptyRetries,
		RecentSteps:     DefaultRecentSteps,
		RecentSummaries: DefaultRecentSummaries,
		Logger:          zerolog.Nop(),
	}
}

// Runtime drives planner runs. One Runtime serves any number of concurrent
// runs; all per-run state lives in a RunContext.
type Runtime struct {
	config     Config
	discovery  *discovery.Discovery
	invoker    toolexecutor.Invoker
	sandbox    SandboxRunner
	adapter    llm.Adapter
	summarizer *summarizer.Summarizer
	logger     zerolog.Logger
}

// New creates a runtime
func New(cfg Config) (*Runtime, error) {
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("discovery is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("llm adapter is required")
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default budget: %w", err)
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = summarizer.New(summarizer.Config{Logger: cfg.Logger})
	}
	if cfg.MenuSize <= 0 {
		cfg.MenuSize = discovery.DefaultMenuSize
	}
	if cfg.MenuDetail == "" {
		cfg.MenuDetail = discovery.DetailSummary
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = DefaultConfig().StorageRoot
	}
	if cfg.MaxEmptyRetries < 0 {
		cfg.MaxEmptyRetries = 0
	}
	if cfg.RecentSteps <= 0 {
		cfg.RecentSteps = DefaultRecentSteps
	}
	if cfg.RecentSummaries <= 0 {
		cfg.RecentSummaries = DefaultRecentSummaries
	}

	return &Runtime{
		config:     cfg,
		discovery:  cfg.Discovery,
		invoker:    cfg.Invoker,
		sandbox:    cfg.Sandbox,
		adapter:    cfg.Adapter,
		summarizer: cfg.Summarizer,
		logger:     cfg.Logger,
	}, nil
}

// ExecuteTask runs the planner loop until the task finishes, fails or runs out
// of budget. It never returns an error: every outcome is a TaskResult.
func (r *Runtime) ExecuteTask(ctx context.Context, req TaskRequest) TaskResult {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	ctx, runID := tracing.NewRunContext(ctx, req.Identity)
	ctx, span := tracing.StartSpan(ctx, "planner.execute_task")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	b := r.config.Budget
	if req.Budget != nil {
		b = budget.Merge(b, *req.Budget)
	}
	storageDir := filepath.Join(r.config.StorageRoot, summarizer.SafeLabel(req.Identity), runID)
	rc := newRunContext(runID, req, b, r.config.MenuSize, storageDir)

	logger.Info().
		Str("budget", b.String()).
		Msg("Task started")

	var summary string
	var terr *TaskError
	if err := validateRequest(req); err != nil {
		terr = &TaskError{Code: CodeInvalidRequest, Message: err.Error()}
	} else {
		summary, terr = r.run(ctx, rc, logger)
	}

	result := rc.result()
	result.Duration = time.Since(start)
	result.Success = terr == nil
	result.Error = terr
	result.FinalSummary = summary
	if terr != nil {
		result.FinalSummary = fmt.Sprintf("Task failed: %s", terr.Error())
	}

	errorCode := ""
	status := "success"
	if terr != nil {
		errorCode = string(terr.Code)
		status = "failure"
		span.RecordError(terr)
		span.SetStatus(codes.Error, errorCode)
	}
	span.SetAttributes(
		attribute.Int("steps", result.BudgetUsage.StepsTaken),
		attribute.Int("tool_calls", result.BudgetUsage.ToolCalls),
	)
	observability.RecordRun(result.Duration, result.Success, errorCode)
	observability.RecordRunAudit(ctx, req.Identity, runID, status, map[string]interface{}{
		"error_code": errorCode,
		"steps":      result.BudgetUsage.StepsTaken,
	})

	event := logger.Info()
	if terr != nil {
		event = logger.Warn().Str("error_code", errorCode).Str("error", terr.Message)
	}
	event.
		Bool("success", result.Success).
		Int("steps", result.BudgetUsage.StepsTaken).
		Int("tool_calls", result.BudgetUsage.ToolCalls).
		Int("code_runs", result.BudgetUsage.CodeRuns).
		Float64("llm_cost_usd", result.BudgetUsage.EstimatedLLMCostUSD).
		Dur("duration", result.Duration).
		Msg("Task finished")

	return result
}

func validateRequest(req TaskRequest) error {
	if strings.TrimSpace(req.Task) == "" {
		return fmt.Errorf("task is required")
	}
	if strings.TrimSpace(req.Identity) == "" {
		return fmt.Errorf("identity is required")
	}
	if b := req.Budget; b != nil {
		if b.MaxSteps < 0 || b.MaxToolCalls < 0 || b.MaxCodeRuns < 0 || b.MaxLLMCostUSD < 0 {
			return fmt.Errorf("budget overrides must not be negative")
		}
	}
	return nil
}

// run is the state machine: Discovering, then Looping until Finished or Failed
func (r *Runtime) run(ctx context.Context, rc *RunContext, logger zerolog.Logger) (string, *TaskError) {
	rc.index.SetTopology(r.discovery.LoadTopology(ctx, rc.identity))
	tools := r.discovery.InitialDiscovery(ctx, rc)
	observability.RecordDiscovery(len(tools))
	rc.logf("initial discovery returned %d tools", len(tools))

	for iteration := 1; ; iteration++ {
		if reason, exceeded := rc.tracker.Exceeded(); exceeded {
			logger.Warn().
				Str("reason", string(reason)).
				Int("iteration", iteration).
				Msg("Budget exceeded")
			return "", &TaskError{
				Code:    CodeBudgetExceeded,
				Message: fmt.Sprintf("%s ceiling reached", reason),
			}
		}
		rc.tracker.RecordStep()

		done, summary, terr := r.iterate(ctx, rc, iteration, logger)
		if done {
			return summary, terr
		}
	}
}

// iterate plans, parses and dispatches one command
func (r *Runtime) iterate(ctx context.Context, rc *RunContext, iteration int, logger zerolog.Logger) (bool, string, *TaskError) {
	ctx, span := tracing.StartSpan(ctx, "planner.iteration", attribute.Int("iteration", iteration))
	defer span.End()
	logger = logger.With().Int("step", iteration).Logger()

	text, terr := r.plan(ctx, rc, iteration, logger)
	if terr != nil {
		return true, "", terr
	}

	cmd, err := command.Parse(text)
	if err != nil {
		code := CodeParseError
		if errors.Is(err, command.ErrUnknownCommandType) {
			code = CodeUnknownCommand
		}
		logger.Warn().Err(err).Str("error_code", string(code)).Msg("Planner output rejected")
		return true, "", &TaskError{Code: code, Message: err.Error(), Preview: command.PreviewText(text)}
	}

	span.SetAttributes(attribute.String("command", string(cmd.Type())))
	logger.Debug().
		Str("command", string(cmd.Type())).
		Str("preview", command.Preview(cmd)).
		Msg("Planner command parsed")

	switch c := cmd.(type) {
	case command.FinishCommand:
		summary := strings.TrimSpace(c.Summary)
		if summary == "" {
			summary = DefaultFinishSummary
		}
		rc.recordStep(Step{Type: StepFinish, Command: command.Preview(c), Success: true, Preview: clipPreview(summary)})
		observability.RecordStep(string(StepFinish), true)
		return true, summary, nil

	case command.FailCommand:
		reason := strings.TrimSpace(c.Reason)
		if reason == "" {
			reason = "planner declared the task impossible"
		}
		return true, "", &TaskError{Code: CodePlannerFailAction, Message: reason, Preview: command.Preview(c)}

	case command.ToolCommand:
		terr := r.handleTool(ctx, rc, c, logger)
		return terr != nil, "", terr

	case command.SandboxCommand:
		terr := r.handleSandbox(ctx, rc, c, logger)
		return terr != nil, "", terr

	case command.SearchCommand:
		r.handleSearch(ctx, rc, c, logger)
		return false, "", nil

	default:
		return true, "", &TaskError{
			Code:    CodeUnknownCommand,
			Message: fmt.Sprintf("unsupported command type %q", cmd.Type()),
			Preview: command.Preview(cmd),
		}
	}
}

// plan asks the adapter for the next command. An empty reply gets one retry
// within the iteration, and at most MaxEmptyRetries retries across the run.
func (r *Runtime) plan(ctx context.Context, rc *RunContext, iteration int, logger zerolog.Logger) (string, *TaskError) {
	state := r.promptState(rc, iteration)

	for {
		resp, err := r.adapter.GeneratePlan(ctx, state)
		if err != nil {
			logger.Error().Err(err).Str("provider", r.adapter.Provider()).Msg("LLM call failed")
			return "", &TaskError{
				Code:      CodeLLMCallFailed,
				Message:   err.Error(),
				Retryable: llm.IsRetryable(err),
			}
		}
		rc.tracker.AddLLMCost(resp.CostUSD)
		observability.AddLLMCost(r.adapter.Provider(), resp.CostUSD)

		if strings.TrimSpace(resp.Text) != "" {
			return resp.Text, nil
		}

		if state.EmptyRetry || rc.emptyRetries >= r.config.MaxEmptyRetries {
			return "", &TaskError{
				Code:    CodeParseError,
				Message: "planner returned an empty response",
			}
		}
		rc.emptyRetries++
		state.EmptyRetry = true
		logger.Warn().Int("empty_retries", rc.emptyRetries).Msg("Empty planner response, retrying")
	}
}

func (r *Runtime) promptState(rc *RunContext, iteration int) llm.PromptState {
	return llm.PromptState{
		Task:         rc.task,
		Identity:     rc.identity,
		ExtraContext: rc.extra,
		Budget:       rc.tracker.Budget(),
		Usage:        rc.tracker.Snapshot(),
		Menu:         rc.index.MenuLines(r.config.MenuDetail),
		Providers:    rc.index.ProviderNames(),
		Summaries:    rc.recentSummaries(r.config.RecentSummaries),
		RecentSteps:  rc.recentSteps(r.config.RecentSteps),
		Iteration:    iteration,
	}
}

// escalate turns a validation failure into discovery_failed once searching has
// clearly found nothing, so a capability gap is not blamed on the planner
func escalate(rc *RunContext, terr *TaskError) *TaskError {
	if !terr.Code.IsValidation() || !rc.searchExhausted() {
		return terr
	}
	return &TaskError{
		Code:    CodeDiscoveryFailed,
		Message: "no suitable tools exist for this task: " + terr.Message,
		Preview: terr.Preview,
	}
}

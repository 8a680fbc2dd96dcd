package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/pkg/command"
	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// resolveTool checks a provider/tool pair against what this run has discovered
func resolveTool(rc *RunContext, provider, tool string) (discovery.ToolDescriptor, *TaskError) {
	id := discovery.QualifiedID(provider, tool)

	if !rc.index.HasProvider(provider) {
		return discovery.ToolDescriptor{}, &TaskError{
			Code:    CodeUnknownServer,
			Message: fmt.Sprintf("provider %q is not known", provider),
		}
	}

	desc, ok := rc.index.Lookup(id)
	if !ok {
		if rc.index.Discovered() {
			return discovery.ToolDescriptor{}, &TaskError{
				Code:    CodeUndiscoveredTool,
				Message: fmt.Sprintf("%s was never returned by discovery", id),
			}
		}
		return discovery.ToolDescriptor{}, &TaskError{
			Code:    CodeUnknownTool,
			Message: fmt.Sprintf("%s is not a known tool", id),
		}
	}
	if !desc.Available {
		return discovery.ToolDescriptor{}, &TaskError{
			Code:    CodeUnknownTool,
			Message: fmt.Sprintf("%s is not available", id),
		}
	}
	return desc, nil
}

func (r *Runtime) handleTool(ctx context.Context, rc *RunContext, c command.ToolCommand, logger zerolog.Logger) *TaskError {
	preview := command.Preview(c)

	desc, terr := resolveTool(rc, c.Provider, c.Tool)
	if terr != nil {
		terr.Preview = preview
		terr = escalate(rc, terr)
		logger.Warn().
			Str("provider", c.Provider).
			Str("tool", c.Tool).
			Str("error_code", string(terr.Code)).
			Msg("Planner referenced an unusable tool")
		return terr
	}

	if len(desc.Parameters) > 0 {
		if err := toolexecutor.ValidatePayload(desc.Parameters, c.Payload); err != nil {
			rc.recordStep(Step{
				Type:      StepTool,
				Command:   preview,
				Success:   false,
				Preview:   clipPreview(err.Error()),
				ErrorCode: CodeToolPayloadInvalid,
			})
			observability.RecordStep(string(StepTool), false)
			logger.Info().Err(err).Str("tool", desc.QualifiedID).Msg("Tool payload rejected")
			return nil
		}
	}

	return r.callTool(ctx, rc, c.Provider, c.Tool, c.Payload, preview, logger)
}

// callTool invokes one tool for the run, stores its full output and records a step
func (r *Runtime) callTool(ctx context.Context, rc *RunContext, provider, tool string, payload json.RawMessage, preview string, logger zerolog.Logger) *TaskError {
	id := discovery.QualifiedID(provider, tool)
	logger = logger.With().Str("provider", provider).Str("tool", tool).Logger()

	if !rc.tracker.AllowToolCall() {
		return &TaskError{Code: CodeBudgetExceeded, Message: "max_tool_calls ceiling reached", Preview: preview}
	}

	logger.Info().Msg("Tool call started")
	start := time.Now()
	resp, err := r.invoker.Call(ctx, provider, tool, payload, rc.identity)
	duration := time.Since(start)

	success := err == nil && resp.Successful
	observability.RecordToolCall(provider, duration, success)
	observability.RecordStep(string(StepTool), success)
	status := "success"
	if !success {
		status = "failure"
	}
	observability.RecordToolAudit(ctx, id, rc.identity, rc.runID, status, nil)

	if !success {
		msg := resp.Error
		if err != nil {
			msg = err.Error()
		}
		if msg == "" {
			msg = "tool reported failure"
		}
		rc.recordStep(Step{
			Type:      StepTool,
			Command:   preview,
			Success:   false,
			Preview:   clipPreview(msg),
			ErrorCode: CodeToolExecutionFailed,
			Duration:  duration,
		})
		logger.Error().Str("error", msg).Dur("duration", duration).Msg("Tool call failed")
		return &TaskError{
			Code:      CodeToolExecutionFailed,
			Message:   fmt.Sprintf("%s: %s", id, msg),
			Preview:   preview,
			Retryable: err != nil && !errors.Is(err, toolexecutor.ErrToolNotFound),
		}
	}

	key := rc.storeRaw("tool."+id, resp.Data, nil)
	summary := r.summarize(ctx, rc, key, resp.Data, "output of "+id, logger)
	rc.recordStep(Step{
		Type:      StepTool,
		Command:   preview,
		Success:   true,
		Preview:   summary,
		ResultKey: key,
		Duration:  duration,
	})
	logger.Info().Str("result_key", key).Dur("duration", duration).Msg("Tool call succeeded")
	return nil
}

func (r *Runtime) handleSandbox(ctx context.Context, rc *RunContext, c command.SandboxCommand, logger zerolog.Logger) *TaskError {
	label := c.Label
	if label == "" {
		label = command.DefaultSandboxLabel
	}
	preview := command.Preview(c)
	logger = logger.With().Str("label", label).Logger()
	caps := sandbox.Capabilities(rc.index.Capabilities())

	if _, err := sandbox.Analyze(c.Code, caps); err != nil {
		var capErr *sandbox.CapabilityError
		switch {
		case errors.As(err, &capErr):
			terr := escalate(rc, &TaskError{Code: CodeUndiscoveredTool, Message: err.Error(), Preview: preview})
			logger.Warn().Err(err).Str("error_code", string(terr.Code)).Msg("Script references undiscovered capability")
			return terr

		case errors.Is(err, sandbox.ErrSyntax):
			rc.syntaxStreaks[label]++
			streak := rc.syntaxStreaks[label]
			rc.recordStep(Step{
				Type:      StepSandbox,
				Command:   preview,
				Success:   false,
				Preview:   clipPreview(err.Error()),
				ErrorCode: CodeSandboxSyntaxError,
			})
			observability.RecordStep(string(StepSandbox), false)
			logger.Info().Err(err).Int("streak", streak).Msg("Script has a syntax error")
			if streak >= MaxSyntaxErrors {
				return &TaskError{
					Code:    CodeSandboxSyntaxError,
					Message: fmt.Sprintf("%d consecutive syntax errors for %q: %v", streak, label, err),
					Preview: preview,
				}
			}
			return nil

		default:
			return r.sandboxFailure(rc, preview, err.Error(), 0, logger)
		}
	}
	rc.syntaxStreaks[label] = 0

	if !rc.tracker.AllowCodeRun() {
		return &TaskError{Code: CodeBudgetExceeded, Message: "max_code_runs ceiling reached", Preview: preview}
	}

	logger.Info().Msg("Sandbox execution started")
	result, err := r.sandbox.Execute(ctx, sandbox.Request{
		Code:         c.Code,
		Label:        label,
		Identity:     rc.identity,
		Capabilities: caps,
		Bridge:       r.bridge(rc, logger),
	})
	if err != nil {
		return r.sandboxFailure(rc, preview, err.Error(), 0, logger)
	}

	rc.appendScriptLogs(label, result.Logs)
	switch {
	case result.TimedOut:
		observability.RecordSandbox(result.Duration, "timeout")
	case result.Success:
		observability.RecordSandbox(result.Duration, "success")
	default:
		observability.RecordSandbox(result.Duration, "error")
	}

	if !result.Success {
		msg := result.Error
		if result.TimedOut && !strings.Contains(msg, "timed out") {
			msg = "timed out: " + msg
		}
		terr := r.sandboxFailure(rc, preview, msg, result.Duration, logger)
		terr.Retryable = result.TimedOut
		return terr
	}

	key := rc.storeRaw("sandbox."+label, result.Result, result.Logs)
	summary := r.summarize(ctx, rc, key, result.Result, "result of script "+label, logger)
	rc.recordStep(Step{
		Type:      StepSandbox,
		Command:   preview,
		Success:   true,
		Preview:   summary,
		ResultKey: key,
		Duration:  result.Duration,
	})
	observability.RecordStep(string(StepSandbox), true)
	logger.Info().
		Str("result_key", key).
		Int("log_lines", len(result.Logs)).
		Dur("duration", result.Duration).
		Msg("Sandbox execution succeeded")
	return nil
}

// sandboxFailure records the failed step before ending the run
func (r *Runtime) sandboxFailure(rc *RunContext, preview, msg string, duration time.Duration, logger zerolog.Logger) *TaskError {
	rc.recordStep(Step{
		Type:      StepSandbox,
		Command:   preview,
		Success:   false,
		Preview:   clipPreview(msg),
		ErrorCode: CodeSandboxRuntimeError,
		Duration:  duration,
	})
	observability.RecordStep(string(StepSandbox), false)
	logger.Warn().Str("error", msg).Msg("Sandbox execution failed")
	return &TaskError{Code: CodeSandboxRuntimeError, Message: msg, Preview: preview}
}

// bridge serves capability calls made by a running script. Each call is
// re-checked against the run's index and charged to the tool-call budget.
func (r *Runtime) bridge(rc *RunContext, logger zerolog.Logger) sandbox.Bridge {
	return func(ctx context.Context, provider, tool string, payload json.RawMessage) (toolexecutor.Response, error) {
		id := discovery.QualifiedID(provider, tool)

		desc, ok := rc.index.Lookup(id)
		if !ok || !desc.Available {
			return toolexecutor.Response{}, fmt.Errorf("capability %s was not discovered", id)
		}
		if len(desc.Parameters) > 0 {
			if err := toolexecutor.ValidatePayload(desc.Parameters, payload); err != nil {
				return toolexecutor.Response{Successful: false, Error: err.Error()}, nil
			}
		}
		if !rc.tracker.AllowToolCall() {
			return toolexecutor.Response{}, fmt.Errorf("tool call budget exhausted")
		}

		start := time.Now()
		resp, err := r.invoker.Call(ctx, provider, tool, payload, rc.identity)
		duration := time.Since(start)
		success := err == nil && resp.Successful
		observability.RecordToolCall(provider, duration, success)

		if success {
			key := rc.storeRaw("tool."+id, resp.Data, nil)
			rc.logf("sandbox call %s stored as %s", id, key)
		}
		logger.Debug().
			Str("provider", provider).
			Str("tool", tool).
			Bool("successful", success).
			Dur("duration", duration).
			Msg("Sandbox tool call")
		return resp, err
	}
}

func (r *Runtime) handleSearch(ctx context.Context, rc *RunContext, c command.SearchCommand, logger zerolog.Logger) {
	tools := r.discovery.RefinedDiscovery(ctx, rc, c.Query, c.DetailLevel, c.Limit)
	rc.noteSearch(len(tools))
	observability.RecordDiscovery(len(tools))

	names := make([]string, 0, len(tools))
	for i, t := range tools {
		if i == 5 {
			names = append(names, "...")
			break
		}
		names = append(names, t.QualifiedID)
	}
	preview := fmt.Sprintf("%d results for %q", len(tools), c.Query)
	if len(names) > 0 {
		preview += ": " + strings.Join(names, ", ")
	}

	rc.recordStep(Step{
		Type:    StepSearch,
		Command: command.Preview(c),
		Success: true,
		Preview: preview,
	})
	observability.RecordStep(string(StepSearch), true)
	logger.Info().
		Str("query", c.Query).
		Int("results", len(tools)).
		Int("menu", len(rc.index.Entries())).
		Msg("Refined discovery complete")
}

// summarize compresses an output for the prompt. The raw output is kept in full regardless.
func (r *Runtime) summarize(ctx context.Context, rc *RunContext, key string, data json.RawMessage, purpose string, logger zerolog.Logger) string {
	summary, err := r.summarizer.Summarize(ctx, key, data, purpose, rc.storageDir)
	if err != nil {
		logger.Warn().Err(err).Str("result_key", key).Msg("Summary storage failed")
	}
	preview := summary.Preview()
	rc.addSummary(key + ": " + preview)
	return preview
}

package planner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/autopilot/pkg/budget"
)

// ErrorCode classifies why a run stopped or a step failed
type ErrorCode string

const (
	CodeBudgetExceeded      ErrorCode = "budget_exceeded"
	CodeParseError          ErrorCode = "planner_parse_error"
	CodeUnknownCommand      ErrorCode = "planner_unknown_command"
	CodeUnknownTool         ErrorCode = "planner_used_unknown_tool"
	CodeUndiscoveredTool    ErrorCode = "planner_used_undiscovered_tool"
	CodeUnknownServer       ErrorCode = "planner_used_unknown_server"
	CodeDiscoveryFailed     ErrorCode = "discovery_failed"
	CodeToolExecutionFailed ErrorCode = "tool_execution_failed"
	CodeToolPayloadInvalid  ErrorCode = "tool_payload_invalid"
	CodeSandboxSyntaxError  ErrorCode = "sandbox_syntax_error"
	CodeSandboxRuntimeError ErrorCode = "sandbox_runtime_error"
	CodePlannerFailAction   ErrorCode = "planner_fail_action"
	CodeLLMCallFailed       ErrorCode = "llm_call_failed"
	CodeInvalidRequest      ErrorCode = "invalid_request"
)

// IsValidation reports whether the code is an anti-hallucination rejection
func (c ErrorCode) IsValidation() bool {
	switch c {
	case CodeUnknownTool, CodeUndiscoveredTool, CodeUnknownServer:
		return true
	}
	return false
}

// TaskError is the typed failure of a run or a step
type TaskError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Preview   string    `json:"preview,omitempty"`
	Retryable bool      `json:"retryable"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StepType is the kind of a recorded step
type StepType string

const (
	StepTool    StepType = "tool"
	StepSandbox StepType = "sandbox"
	StepSearch  StepType = "search"
	StepFinish  StepType = "finish"
)

// Step is one append-only entry of the run's step log
type Step struct {
	Index     int           `json:"index"`
	Type      StepType      `json:"type"`
	Command   string        `json:"command"`
	Success   bool          `json:"success"`
	Preview   string        `json:"preview"`
	ResultKey string        `json:"result_key,omitempty"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// RawOutput is the full, unsummarized output of one tool call or sandbox run
type RawOutput struct {
	Key      string          `json:"key"`
	Identity string          `json:"identity"`
	Data     json.RawMessage `json:"data"`
	Logs     []string        `json:"logs,omitempty"`
}

// TaskRequest is the input of ExecuteTask
type TaskRequest struct {
	Task         string         `json:"task"`
	Identity     string         `json:"identity"`
	Budget       *budget.Budget `json:"budget,omitempty"`
	ExtraContext map[string]any `json:"extra_context,omitempty"`
}

// TaskResult is what every run returns, whatever the outcome
type TaskResult struct {
	RunID        string               `json:"run_id"`
	Success      bool                 `json:"success"`
	FinalSummary string               `json:"final_summary"`
	RawOutputs   map[string]RawOutput `json:"raw_outputs"`
	BudgetUsage  budget.Snapshot      `json:"budget_usage"`
	Budget       budget.Budget        `json:"budget"`
	Logs         []string             `json:"logs"`
	Steps        []Step               `json:"steps"`
	Error        *TaskError           `json:"error,omitempty"`
	Duration     time.Duration        `json:"duration"`
}

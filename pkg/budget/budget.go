package budget

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSteps is returned when max_steps is not positive
	ErrInvalidSteps = errors.New("max_steps must be > 0")

	// ErrInvalidToolCalls is returned when max_tool_calls is negative
	ErrInvalidToolCalls = errors.New("max_tool_calls must be >= 0")

	// ErrInvalidCodeRuns is returned when max_code_runs is negative
	ErrInvalidCodeRuns = errors.New("max_code_runs must be >= 0")

	// ErrInvalidCost is returned when max_llm_cost_usd is negative
	ErrInvalidCost = errors.New("max_llm_cost_usd must be >= 0")
)

// Budget is the set of ceilings bounding one run
type Budget struct {
	MaxSteps      int     `json:"max_steps" mapstructure:"max_steps"`
	MaxToolCalls  int     `json:"max_tool_calls" mapstructure:"max_tool_calls"`
	MaxCodeRuns   int     `json:"max_code_runs" mapstructure:"max_code_runs"`
	MaxLLMCostUSD float64 `json:"max_llm_cost_usd" mapstructure:"max_llm_cost_usd"`
}

// Default returns the ceilings used when the caller supplies none
func Default() Budget {
	return Budget{
		MaxSteps:      20,
		MaxToolCalls:  30,
		MaxCodeRuns:   10,
		MaxLLMCostUSD: 1.0,
	}
}

// Validate ensures the ceilings are usable
func (b Budget) Validate() error {
	if b.MaxSteps <= 0 {
		return ErrInvalidSteps
	}
	if b.MaxToolCalls < 0 {
		return ErrInvalidToolCalls
	}
	if b.MaxCodeRuns < 0 {
		return ErrInvalidCodeRuns
	}
	if b.MaxLLMCostUSD < 0 {
		return ErrInvalidCost
	}
	return nil
}

// Merge overlays the positive values of override onto base
func Merge(base Budget, override Budget) Budget {
	result := base
	if override.MaxSteps > 0 {
		result.MaxSteps = override.MaxSteps
	}
	if override.MaxToolCalls > 0 {
		result.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxCodeRuns > 0 {
		result.MaxCodeRuns = override.MaxCodeRuns
	}
	if override.MaxLLMCostUSD > 0 {
		result.MaxLLMCostUSD = override.MaxLLMCostUSD
	}
	return result
}

// String renders the ceilings for logs
func (b Budget) String() string {
	return fmt.Sprintf("steps=%d tool_calls=%d code_runs=%d llm_cost_usd=%.4f",
		b.MaxSteps, b.MaxToolCalls, b.MaxCodeRuns, b.MaxLLMCostUSD)
}

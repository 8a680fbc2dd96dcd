package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
)

// Supported providers
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ErrUnsupportedProvider is returned by New for an unknown provider name
var ErrUnsupportedProvider = errors.New("unsupported llm provider")

// Adapter produces the next planner command as raw text
type Adapter interface {
	// GeneratePlan renders the prompt state and returns the model's reply
	GeneratePlan(ctx context.Context, state PromptState) (Response, error)

	// Provider returns the provider name
	Provider() string
}

// AdapterFunc adapts a function to the Adapter interface
type AdapterFunc func(ctx context.Context, state PromptState) (Response, error)

// GeneratePlan calls f
func (f AdapterFunc) GeneratePlan(ctx context.Context, state PromptState) (Response, error) {
	return f(ctx, state)
}

// Provider returns "func"
func (f AdapterFunc) Provider() string {
	return "func"
}

// Response is one model reply
type Response struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Config configures an adapter
type Config struct {
	Provider    string  `json:"provider" mapstructure:"provider"`
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxRetries  int     `json:"max_retries" mapstructure:"max_retries"`

	// Prices in USD per million tokens
	InputUSDPerMTok  float64 `json:"input_usd_per_mtok" mapstructure:"input_usd_per_mtok"`
	OutputUSDPerMTok float64 `json:"output_usd_per_mtok" mapstructure:"output_usd_per_mtok"`

	Logger zerolog.Logger `json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default adapter configuration
func DefaultConfig() Config {
	return Config{
		Provider:         ProviderAnthropic,
		Model:            "claude-3-5-sonnet-20241022",
		MaxTokens:        1024,
		Temperature:      0.2,
		MaxRetries:       2,
		InputUSDPerMTok:  3,
		OutputUSDPerMTok: 15,
		Logger:           zerolog.Nop(),
	}
}

// ValidateConfig validates an adapter configuration
func ValidateConfig(cfg Config) error {
	switch cfg.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("llm model is required")
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("llm max_tokens must be positive")
	}
	if cfg.InputUSDPerMTok < 0 || cfg.OutputUSDPerMTok < 0 {
		return fmt.Errorf("llm prices must not be negative")
	}
	return nil
}

// Cost converts token usage into USD
func (c Config) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*c.InputUSDPerMTok/1e6 + float64(outputTokens)*c.OutputUSDPerMTok/1e6
}

// New creates the adapter named by cfg.Provider
func New(cfg Config) (Adapter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAIAdapter(cfg), nil
	default:
		return NewAnthropicAdapter(cfg), nil
	}
}

// IsRetryable reports whether a provider error is transient (rate limit or server side)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

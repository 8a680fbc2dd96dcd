package config

import (
	"fmt"
	"strings"

	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/llm"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case llm.ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case llm.ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates an LLM provider name
func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("llm provider", provider, llm.ProviderAnthropic, llm.ProviderOpenAI)
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateSearchLimit validates a discovery limit
func (v *Validator) ValidateSearchLimit(limit int) error {
	if limit < discovery.MinLimit || limit > discovery.MaxLimit {
		return fmt.Errorf("search limit must be within [%d,%d], got %d", discovery.MinLimit, discovery.MaxLimit, limit)
	}
	return nil
}

// ValidateDetailLevel validates a discovery detail level
func (v *Validator) ValidateDetailLevel(level string) error {
	return oneOf("detail level", level, string(discovery.DetailSummary), string(discovery.DetailFull))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Budget.Validate(); err != nil {
		errors = append(errors, fmt.Errorf("budget: %w", err))
	}
	if cfg.Planner.MaxEmptyRetries < 0 {
		errors = append(errors, fmt.Errorf("planner.max_empty_retries must be >= 0"))
	}
	if cfg.Planner.RecentSteps <= 0 || cfg.Planner.RecentSummaries <= 0 {
		errors = append(errors, fmt.Errorf("planner.recent_steps and planner.recent_summaries must be positive"))
	}

	if cfg.Sandbox.TimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("sandbox.timeout_seconds must be positive"))
	}
	if cfg.Sandbox.MaxOutputBytes < 0 {
		errors = append(errors, fmt.Errorf("sandbox.max_output_bytes must be >= 0"))
	}

	if err := oneOf("summarizer storage", cfg.Summarizer.Storage, StorageFile, StorageRedis); err != nil {
		errors = append(errors, err)
	}
	if cfg.Summarizer.Storage == StorageRedis && cfg.Summarizer.RedisAddr == "" {
		errors = append(errors, fmt.Errorf("summarizer.redis_addr is required for redis storage"))
	}
	if cfg.Summarizer.MaxBytes <= 0 || cfg.Summarizer.MaxItems <= 0 {
		errors = append(errors, fmt.Errorf("summarizer.max_bytes and summarizer.max_items must be positive"))
	}

	if cfg.Discovery.MenuSize <= 0 {
		errors = append(errors, fmt.Errorf("discovery.menu_size must be positive"))
	}
	if err := v.ValidateSearchLimit(cfg.Discovery.InitialLimit); err != nil {
		errors = append(errors, fmt.Errorf("discovery.initial_limit: %w", err))
	}
	if err := v.ValidateDetailLevel(cfg.Discovery.DetailLevel); err != nil {
		errors = append(errors, err)
	}

	if err := oneOf("invoker kind", cfg.Invoker.Kind, InvokerLocal, InvokerWebSocket); err != nil {
		errors = append(errors, err)
	}
	if cfg.Invoker.Kind == InvokerWebSocket && cfg.Invoker.URL == "" {
		errors = append(errors, fmt.Errorf("invoker.url is required for the websocket invoker"))
	}

	for i, srv := range cfg.Invoker.MCPServers {
		if srv.Provider == "" || srv.Command == "" {
			errors = append(errors, fmt.Errorf("invoker.mcp_servers[%d]: provider and command are required", i))
		}
	}

	if err := v.ValidateProvider(cfg.LLM.Provider); err != nil {
		errors = append(errors, err)
	}
	if cfg.LLM.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.LLM.APIKey, cfg.LLM.Provider); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.LLM.MaxTokens); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errors = append(errors, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be within [0,1]"))
	}

	if cfg.Server.Addr == "" {
		errors = append(errors, fmt.Errorf("server.addr is required"))
	}
	if cfg.Server.IdentityConcurrency <= 0 {
		errors = append(errors, fmt.Errorf("server.identity_concurrency must be positive"))
	}
	if cfg.Server.RequestsPerMinute < 0 || cfg.Server.QueueWarnSeconds < 0 || cfg.Server.DedupTTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("server.requests_per_minute, server.queue_warn_seconds and server.dedup_ttl_seconds must be >= 0"))
	}

	return errors
}

func oneOf(name, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", name, value, strings.Join(valid, ", "))
}

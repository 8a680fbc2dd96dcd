package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter generates plans with Anthropic Claude
type AnthropicAdapter struct {
	client anthropic.Client
	config Config
}

// NewAnthropicAdapter creates an Anthropic adapter
func NewAnthropicAdapter(cfg Config) *AnthropicAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{
		client: anthropic.NewClient(opts...),
		config: cfg,
	}
}

// Provider returns the provider name
func (a *AnthropicAdapter) Provider() string {
	return ProviderAnthropic
}

// GeneratePlan asks Claude for the next command
func (a *AnthropicAdapter) GeneratePlan(ctx context.Context, state PromptState) (Response, error) {
	prompt := RenderPrompt(state)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: int64(a.config.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: prompt.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if a.config.Temperature > 0 {
		params.Temperature = anthropic.Float(a.config.Temperature)
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, err
	}

	var text strings.Builder
	for _, block := range message.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}

	resp := Response{
		Text:         text.String(),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	resp.CostUSD = a.config.Cost(resp.InputTokens, resp.OutputTokens)

	a.config.Logger.Debug().
		Str("provider", ProviderAnthropic).
		Str("model", a.config.Model).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Float64("cost_usd", resp.CostUSD).
		Msg("Plan generated")

	return resp, nil
}

package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter generates plans with OpenAI chat completions
type OpenAIAdapter struct {
	client openai.Client
	config Config
}

// NewOpenAIAdapter creates an OpenAI adapter
func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		config: cfg,
	}
}

// Provider returns the provider name
func (a *OpenAIAdapter) Provider() string {
	return ProviderOpenAI
}

// GeneratePlan asks the chat model for the next command
func (a *OpenAIAdapter) GeneratePlan(ctx context.Context, state PromptState) (Response, error) {
	prompt := RenderPrompt(state)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt.System),
			openai.UserMessage(prompt.User),
		},
		MaxTokens: openai.Int(int64(a.config.MaxTokens)),
	}
	if a.config.Temperature > 0 {
		params.Temperature = openai.Float(a.config.Temperature)
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("no response choices returned")
	}

	resp := Response{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	resp.CostUSD = a.config.Cost(resp.InputTokens, resp.OutputTokens)

	a.config.Logger.Debug().
		Str("provider", ProviderOpenAI).
		Str("model", a.config.Model).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Float64("cost_usd", resp.CostUSD).
		Msg("Plan generated")

	return resp, nil
}

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harun/autopilot/pkg/llm"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the settings a first run needs and returns them on top of base
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== Autopilot Configuration ===")
	fmt.Fprintln(w.out)

	for {
		provider, err := w.ask("LLM provider (anthropic, openai)", cfg.LLM.Provider)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		if provider != cfg.LLM.Provider && provider == llm.ProviderOpenAI {
			cfg.LLM.Model = "gpt-4o"
			cfg.LLM.InputUSDPerMTok = 2.5
			cfg.LLM.OutputUSDPerMTok = 10
		}
		cfg.LLM.Provider = provider
		break
	}

	for {
		key, err := w.ask("API key (press Enter to use the environment)", "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, cfg.LLM.Provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.LLM.APIKey = key
		break
	}

	model, err := w.ask("Model", cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	cfg.LLM.Model = model

	for {
		kind, err := w.ask("Tool invoker (local, websocket)", cfg.Invoker.Kind)
		if err != nil {
			return nil, err
		}
		if err := oneOf("invoker kind", kind, InvokerLocal, InvokerWebSocket); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Invoker.Kind = kind
		break
	}

	if cfg.Invoker.Kind == InvokerWebSocket {
		url, err := w.ask("Tool gateway URL", cfg.Invoker.URL)
		if err != nil {
			return nil, err
		}
		cfg.Invoker.URL = url
	}

	return &cfg, nil
}

// ask prints a prompt and returns the trimmed answer, or def for an empty one
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("unexpected end of input")
		}
		return "", err
	}

	answer := strings.TrimSpace(line)
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

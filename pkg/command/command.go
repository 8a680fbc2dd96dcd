package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/autopilot/pkg/discovery"
)

// Type identifies a planner command
type Type string

const (
	TypeTool    Type = "tool"
	TypeSandbox Type = "sandbox"
	TypeSearch  Type = "search"
	TypeFinish  Type = "finish"
	TypeFail    Type = "fail"
)

const (
	// DefaultSearchLimit applies when a search omits its limit
	DefaultSearchLimit = 10

	// DefaultSandboxLabel applies when a sandbox command omits its label
	DefaultSandboxLabel = "script"
)

// Command is one parsed planner decision
type Command interface {
	Type() Type
}

// ToolCommand calls one tool directly
type ToolCommand struct {
	Provider string          `json:"provider"`
	Tool     string          `json:"tool"`
	Payload  json.RawMessage `json:"payload"`
}

// Type implements Command
func (ToolCommand) Type() Type { return TypeTool }

// QualifiedID returns "provider.tool"
func (c ToolCommand) QualifiedID() string {
	return discovery.QualifiedID(c.Provider, c.Tool)
}

// SandboxCommand runs a generated script
type SandboxCommand struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Type implements Command
func (SandboxCommand) Type() Type { return TypeSandbox }

// SearchCommand asks for more tools
type SearchCommand struct {
	Query       string                `json:"query"`
	DetailLevel discovery.DetailLevel `json:"detail_level"`
	Limit       int                   `json:"limit"`
}

// Type implements Command
func (SearchCommand) Type() Type { return TypeSearch }

// FinishCommand ends the run successfully
type FinishCommand struct {
	Summary string `json:"summary"`
}

// Type implements Command
func (FinishCommand) Type() Type { return TypeFinish }

// FailCommand ends the run with a planner-declared failure
type FailCommand struct {
	Reason string `json:"reason"`
}

// Type implements Command
func (FailCommand) Type() Type { return TypeFail }

// Preview renders a short single-line description of a command for logs and errors
func Preview(cmd Command) string {
	switch c := cmd.(type) {
	case ToolCommand:
		return clip(fmt.Sprintf("tool %s %s", c.QualifiedID(), compact(c.Payload)))
	case SandboxCommand:
		return clip(fmt.Sprintf("sandbox[%s] %s", c.Label, strings.Join(strings.Fields(c.Code), " ")))
	case SearchCommand:
		return clip(fmt.Sprintf("search %q detail=%s limit=%d", c.Query, c.DetailLevel, c.Limit))
	case FinishCommand:
		return clip("finish " + c.Summary)
	case FailCommand:
		return clip("fail " + c.Reason)
	case nil:
		return ""
	default:
		return clip(string(cmd.Type()))
	}
}

// PreviewText clips raw planner output for error reports
func PreviewText(text string) string {
	return clip(strings.Join(strings.Fields(text), " "))
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func clip(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

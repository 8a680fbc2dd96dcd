package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/harun/autopilot/pkg/discovery"
)

// Parse turns raw planner text into a Command.
// The text must be exactly one JSON object, optionally wrapped in a single
// fenced code block. Anything else is rejected.
func Parse(text string) (Command, error) {
	body := strings.TrimSpace(unfence(strings.TrimSpace(text)))
	if body == "" {
		return nil, ErrEmptyCommand
	}

	fields, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	typ, err := stringField(fields, "type", true)
	if err != nil {
		return nil, err
	}

	switch Type(typ) {
	case TypeTool:
		return parseTool(fields)
	case TypeSandbox:
		return parseSandbox(fields)
	case TypeSearch:
		return parseSearch(fields)
	case TypeFinish:
		summary, err := stringField(fields, "summary", false)
		if err != nil {
			return nil, err
		}
		return FinishCommand{Summary: strings.TrimSpace(summary)}, nil
	case TypeFail:
		reason, err := stringField(fields, "reason", false)
		if err != nil {
			return nil, err
		}
		return FailCommand{Reason: strings.TrimSpace(reason)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommandType, typ)
	}
}

func parseTool(fields map[string]json.RawMessage) (Command, error) {
	tool, err := stringField(fields, "tool", true)
	if err != nil {
		return nil, err
	}
	provider, err := stringField(fields, "provider", false)
	if err != nil {
		return nil, err
	}

	tool = strings.TrimSpace(tool)
	provider = strings.TrimSpace(provider)

	// "tool" may already be qualified as provider.tool
	if p, t, ok := discovery.SplitQualifiedID(tool); ok && (provider == "" || provider == p) {
		provider, tool = p, t
	}
	if provider == "" {
		return nil, fmt.Errorf("%w: provider", ErrMissingField)
	}
	if tool == "" {
		return nil, fmt.Errorf("%w: tool must not be empty", ErrInvalidField)
	}

	payload := json.RawMessage(`{}`)
	if raw, ok := fields["payload"]; ok && !isNull(raw) {
		if !isObject(raw) {
			return nil, fmt.Errorf("%w: payload must be an object", ErrInvalidField)
		}
		payload = raw
	}

	return ToolCommand{Provider: provider, Tool: tool, Payload: payload}, nil
}

func parseSandbox(fields map[string]json.RawMessage) (Command, error) {
	code, err := stringField(fields, "code", true)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code must not be empty", ErrInvalidField)
	}

	label, err := stringField(fields, "label", false)
	if err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = DefaultSandboxLabel
	}

	return SandboxCommand{Code: code, Label: label}, nil
}

func parseSearch(fields map[string]json.RawMessage) (Command, error) {
	query, err := stringField(fields, "query", true)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidField)
	}

	detail, err := stringField(fields, "detail_level", false)
	if err != nil {
		return nil, err
	}
	level := discovery.DetailLevel(strings.ToLower(strings.TrimSpace(detail)))
	switch level {
	case "":
		level = discovery.DetailSummary
	case discovery.DetailSummary, discovery.DetailFull:
	default:
		return nil, fmt.Errorf("%w: detail_level %q", ErrInvalidField, detail)
	}

	limit := DefaultSearchLimit
	if raw, ok := fields["limit"]; ok && !isNull(raw) {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: limit must be a number", ErrInvalidField)
		}
		if n != math.Trunc(n) || n < discovery.MinLimit || n > discovery.MaxLimit {
			return nil, fmt.Errorf("%w: limit %v outside [%d,%d]", ErrInvalidField, n, discovery.MinLimit, discovery.MaxLimit)
		}
		limit = int(n)
	}

	return SearchCommand{Query: query, DetailLevel: level, Limit: limit}, nil
}

func decodeObject(body string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(strings.NewReader(body))

	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after value", ErrInvalidJSON)
	}
	if !isObject(raw) {
		return nil, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, name string, required bool) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		if required {
			return "", fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, name)
	}
	return s, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// unfence strips one surrounding ``` block, with or without a language tag
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := s[3 : len(s)-3]
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		tag := strings.TrimSpace(inner[:nl])
		if tag == "" || tag == "json" {
			return inner[nl+1:]
		}
		return s
	}
	return inner
}

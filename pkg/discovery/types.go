package discovery

import (
	"context"
	"encoding/json"
	"strings"
)

// DetailLevel controls how much of a tool descriptor a search returns
type DetailLevel string

const (
	DetailSummary DetailLevel = "summary"
	DetailFull    DetailLevel = "full"
)

const (
	// MinLimit and MaxLimit bound the number of results per search
	MinLimit = 1
	MaxLimit = 50
)

// ToolDescriptor is one discovered capability
type ToolDescriptor struct {
	Provider    string          `json:"provider" yaml:"provider"`
	ToolName    string          `json:"tool" yaml:"tool"`
	QualifiedID string          `json:"qualified_id" yaml:"-"`
	Available   bool            `json:"available" yaml:"available"`
	Score       float64         `json:"score" yaml:"-"`
	Description string          `json:"description" yaml:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
}

// Normalize fills QualifiedID from Provider and ToolName
func (d ToolDescriptor) Normalize() ToolDescriptor {
	d.Provider = strings.TrimSpace(d.Provider)
	d.ToolName = strings.TrimSpace(d.ToolName)
	d.QualifiedID = QualifiedID(d.Provider, d.ToolName)
	return d
}

// QualifiedID joins a provider and a tool name
func QualifiedID(provider, tool string) string {
	return provider + "." + tool
}

// SplitQualifiedID splits "provider.tool" at the first dot
func SplitQualifiedID(id string) (provider, tool string, ok bool) {
	provider, tool, ok = strings.Cut(id, ".")
	if !ok || provider == "" || tool == "" {
		return "", "", false
	}
	return provider, tool, true
}

// SearchRequest is a query against the tool registry
type SearchRequest struct {
	Query       string
	DetailLevel DetailLevel
	Limit       int
	Identity    string
}

// Registry is the external tool-search collaborator
type Registry interface {
	// Search returns tools relevant to the query
	Search(ctx context.Context, req SearchRequest) ([]ToolDescriptor, error)

	// Version returns a token that grows whenever the registry content changes
	Version(ctx context.Context, identity string) (int64, error)

	// Topology returns provider -> tool names without schemas
	Topology(ctx context.Context, identity string) (map[string][]string, error)
}

// ClampLimit forces a limit into [MinLimit, MaxLimit]
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

package discovery

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMenuSize caps the number of entries offered to the planner
const DefaultMenuSize = 40

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Index is the per-run view of discovered tools.
// Entries keep the insertion order of their first occurrence; the seen set
// remembers every tool ever discovered in the run, including evicted ones.
type Index struct {
	menuSize   int
	entries    []ToolDescriptor
	seen       map[string]ToolDescriptor
	topology   map[string][]string
	discovered bool
	version    int64
}

// NewIndex creates an empty index with the given menu cap
func NewIndex(menuSize int) *Index {
	if menuSize <= 0 {
		menuSize = DefaultMenuSize
	}
	return &Index{
		menuSize: menuSize,
		seen:     make(map[string]ToolDescriptor),
		topology: make(map[string][]string),
	}
}

// Merge adds tools, keeping the higher-scored entry per qualified id.
// It returns the number of previously unseen tools.
func (x *Index) Merge(tools []ToolDescriptor) int {
	added := 0
	for _, tool := range tools {
		tool = tool.Normalize()
		if tool.Provider == "" || tool.ToolName == "" {
			continue
		}

		prev, known := x.seen[tool.QualifiedID]
		if !known {
			added++
		}
		if !known || tool.Score > prev.Score {
			x.seen[tool.QualifiedID] = tool
		}

		if pos := x.position(tool.QualifiedID); pos >= 0 {
			if tool.Score > x.entries[pos].Score {
				x.entries[pos] = tool
			}
			continue
		}
		x.entries = append(x.entries, x.seen[tool.QualifiedID])
		x.evict()
	}
	return added
}

// evict drops the lowest-scored entry (oldest on tie) until the menu fits
func (x *Index) evict() {
	for len(x.entries) > x.menuSize {
		victim := 0
		for i, e := range x.entries {
			if e.Score < x.entries[victim].Score {
				victim = i
			}
		}
		x.entries = append(x.entries[:victim], x.entries[victim+1:]...)
	}
}

func (x *Index) position(id string) int {
	for i, e := range x.entries {
		if e.QualifiedID == id {
			return i
		}
	}
	return -1
}

// Entries returns a copy of the current menu entries in order
func (x *Index) Entries() []ToolDescriptor {
	out := make([]ToolDescriptor, len(x.entries))
	copy(out, x.entries)
	return out
}

// Lookup finds a tool among everything discovered in this run
func (x *Index) Lookup(id string) (ToolDescriptor, bool) {
	d, ok := x.seen[id]
	return d, ok
}

// Seen returns the number of distinct tools ever discovered
func (x *Index) Seen() int {
	return len(x.seen)
}

// SetTopology records the provider -> tool-name tree
func (x *Index) SetTopology(topology map[string][]string) {
	for provider, tools := range topology {
		x.topology[provider] = append([]string(nil), tools...)
	}
}

// Topology returns a copy of the provider tree
func (x *Index) Topology() map[string][]string {
	out := make(map[string][]string, len(x.topology))
	for p, tools := range x.topology {
		out[p] = append([]string(nil), tools...)
	}
	return out
}

// HasProvider reports whether a provider is known from topology or discovery
func (x *Index) HasProvider(provider string) bool {
	if _, ok := x.topology[provider]; ok {
		return true
	}
	for _, d := range x.seen {
		if d.Provider == provider {
			return true
		}
	}
	return false
}

// MarkDiscovered records that a discovery ran against the given registry version
func (x *Index) MarkDiscovered(version int64) {
	x.discovered = true
	x.version = version
}

// Discovered reports whether any discovery has run
func (x *Index) Discovered() bool {
	return x.discovered
}

// Version returns the registry version of the last discovery
func (x *Index) Version() int64 {
	return x.version
}

// Capabilities maps each discovered provider's module name to its callable function names
func (x *Index) Capabilities() map[string]map[string]ToolDescriptor {
	caps := make(map[string]map[string]ToolDescriptor)
	for _, d := range x.seen {
		if !d.Available {
			continue
		}
		module := ModuleName(d.Provider)
		if caps[module] == nil {
			caps[module] = make(map[string]ToolDescriptor)
		}
		caps[module][FunctionName(d.ToolName)] = d
	}
	return caps
}

// ModuleName is the script-side name of a provider module
func ModuleName(provider string) string {
	return identifier(provider)
}

// FunctionName is the script-side name of a tool function
func FunctionName(tool string) string {
	return identifier(tool)
}

func identifier(s string) string {
	s = nonIdent.ReplaceAllString(s, "_")
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "_" + s
	}
	return s
}

// MenuLines renders the menu one tool per line
func (x *Index) MenuLines(detail DetailLevel) []string {
	lines := make([]string, 0, len(x.entries))
	for _, e := range x.entries {
		line := fmt.Sprintf("%s: %s", e.QualifiedID, clipDescription(e.Description))
		if !e.Available {
			line += " [unavailable]"
		}
		if detail == DetailFull && len(e.Parameters) > 0 {
			line += " params=" + string(e.Parameters)
		}
		lines = append(lines, line)
	}
	return lines
}

// ProviderNames returns every known provider, sorted
func (x *Index) ProviderNames() []string {
	set := make(map[string]struct{})
	for p := range x.topology {
		set[p] = struct{}{}
	}
	for _, d := range x.seen {
		set[d.Provider] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for p := range set {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func clipDescription(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		cut := 117
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

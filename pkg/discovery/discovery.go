package discovery

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Target is the per-run state discovery reads and merges into
type Target interface {
	Task() string
	Identity() string
	Index() *Index
}

// Config configures a Discovery service
type Config struct {
	Registry     Registry
	InitialLimit int
	DetailLevel  DetailLevel
	Logger       zerolog.Logger
}

type cacheKey struct {
	identity string
	query    string
	detail   DetailLevel
	limit    int
}

type cacheEntry struct {
	version int64
	tools   []ToolDescriptor
}

// Discovery wraps a Registry with version-keyed caching and index merging.
// One Discovery is shared by every run in the process.
type Discovery struct {
	registry     Registry
	initialLimit int
	detail       DetailLevel
	logger       zerolog.Logger

	mu       sync.Mutex
	cache    map[cacheKey]cacheEntry
	topology map[string]map[string][]string
}

// New creates a Discovery service
func New(cfg Config) *Discovery {
	limit := cfg.InitialLimit
	if limit == 0 {
		limit = 25
	}
	detail := cfg.DetailLevel
	if detail == "" {
		detail = DetailSummary
	}
	return &Discovery{
		registry:     cfg.Registry,
		initialLimit: ClampLimit(limit),
		detail:       detail,
		logger:       cfg.Logger,
		cache:        make(map[cacheKey]cacheEntry),
		topology:     make(map[string]map[string][]string),
	}
}

// LoadTopology fetches the provider tree for an identity once and reuses it.
// A failing registry yields an empty tree.
func (d *Discovery) LoadTopology(ctx context.Context, identity string) map[string][]string {
	d.mu.Lock()
	cached, ok := d.topology[identity]
	d.mu.Unlock()
	if ok {
		return copyTopology(cached)
	}

	topology, err := d.registry.Topology(ctx, identity)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("identity", identity).
			Msg("Discovery topology failed")
		return map[string][]string{}
	}
	if topology == nil {
		topology = map[string][]string{}
	}

	d.mu.Lock()
	d.topology[identity] = copyTopology(topology)
	d.mu.Unlock()

	return copyTopology(topology)
}

// InitialDiscovery searches with the task text. It is a no-op when the
// target already ran discovery against the current registry version.
func (d *Discovery) InitialDiscovery(ctx context.Context, target Target) []ToolDescriptor {
	index := target.Index()
	identity := target.Identity()

	version, err := d.registry.Version(ctx, identity)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("identity", identity).
			Msg("Discovery version lookup failed")
		version = -1
	}

	if index.Discovered() && version >= 0 && index.Version() == version {
		return nil
	}

	req := SearchRequest{
		Query:       strings.TrimSpace(target.Task()),
		DetailLevel: d.detail,
		Limit:       d.initialLimit,
		Identity:    identity,
	}
	tools := d.search(ctx, req, version)
	index.Merge(tools)
	index.MarkDiscovered(version)

	d.logger.Debug().
		Str("identity", identity).
		Int64("registry_version", version).
		Int("results", len(tools)).
		Msg("Initial discovery complete")

	return tools
}

// RefinedDiscovery runs a mid-loop query and merges the results into the target's index
func (d *Discovery) RefinedDiscovery(ctx context.Context, target Target, query string, detail DetailLevel, limit int) []ToolDescriptor {
	index := target.Index()
	identity := target.Identity()

	if detail == "" {
		detail = d.detail
	}

	version, err := d.registry.Version(ctx, identity)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("identity", identity).
			Msg("Discovery version lookup failed")
		version = -1
	}

	req := SearchRequest{
		Query:       strings.TrimSpace(query),
		DetailLevel: detail,
		Limit:       ClampLimit(limit),
		Identity:    identity,
	}
	tools := d.search(ctx, req, version)
	index.Merge(tools)
	index.MarkDiscovered(version)

	return tools
}

func (d *Discovery) search(ctx context.Context, req SearchRequest, version int64) []ToolDescriptor {
	key := cacheKey{identity: req.Identity, query: req.Query, detail: req.DetailLevel, limit: req.Limit}

	if version >= 0 {
		d.mu.Lock()
		entry, ok := d.cache[key]
		d.mu.Unlock()
		if ok && entry.version == version {
			return copyTools(entry.tools)
		}
	}

	tools, err := d.registry.Search(ctx, req)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("identity", req.Identity).
			Str("query", req.Query).
			Str("detail", string(req.DetailLevel)).
			Int("limit", req.Limit).
			Msg("Discovery search failed")
		return []ToolDescriptor{}
	}

	normalized := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		normalized = append(normalized, t.Normalize())
	}
	if len(normalized) > req.Limit {
		normalized = normalized[:req.Limit]
	}

	if version >= 0 {
		d.mu.Lock()
		d.cache[key] = cacheEntry{version: version, tools: copyTools(normalized)}
		d.mu.Unlock()
	}

	return normalized
}

// Invalidate drops every cached search result and topology
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[cacheKey]cacheEntry)
	d.topology = make(map[string]map[string][]string)
}

func copyTools(tools []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, len(tools))
	copy(out, tools)
	return out
}

func copyTopology(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for p, tools := range in {
		out[p] = append([]string(nil), tools...)
	}
	return out
}

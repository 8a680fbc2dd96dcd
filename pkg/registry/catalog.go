package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/autopilot/pkg/discovery"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Entry is one tool row in the catalog.
// An empty Identity makes the tool visible to every identity; a row for a
// specific identity overrides the shared row with the same provider and tool.
type Entry struct {
	Identity    string
	Provider    string
	Tool        string
	Description string
	Parameters  json.RawMessage
	Keywords    []string
	Available   bool
}

// Config holds catalog configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Catalog is a SQLite-backed tool registry
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

var _ discovery.Registry = (*Catalog)(nil)

// Open opens or creates the catalog database
func Open(cfg Config) (*Catalog, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	c := &Catalog{db: db, logger: cfg.Logger}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tools (
			identity TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			tool TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '',
			available INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (identity, provider, tool)
		);
		CREATE INDEX IF NOT EXISTS idx_tools_provider ON tools(provider);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('version', 0);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Upsert inserts or replaces entries and bumps the version
func (c *Catalog) Upsert(ctx context.Context, entries []Entry) error {
	return c.write(ctx, false, entries)
}

// Replace swaps the whole catalog content for entries and bumps the version
func (c *Catalog) Replace(ctx context.Context, entries []Entry) error {
	return c.write(ctx, true, entries)
}

func (c *Catalog) write(ctx context.Context, truncate bool, entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if truncate {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tools"); err != nil {
			return fmt.Errorf("failed to clear tools: %w", err)
		}
	}

	for _, e := range entries {
		if e.Provider == "" || e.Tool == "" {
			return fmt.Errorf("entry %q.%q: provider and tool are required", e.Provider, e.Tool)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO tools (identity, provider, tool, description, parameters, keywords, available)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Identity, e.Provider, e.Tool, e.Description, string(e.Parameters),
			strings.ToLower(strings.Join(e.Keywords, " ")), e.Available,
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s.%s: %w", e.Provider, e.Tool, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE metadata SET value = value + 1 WHERE key = 'version'"); err != nil {
		return fmt.Errorf("failed to bump version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	c.logger.Debug().
		Int("entries", len(entries)).
		Bool("replace", truncate).
		Msg("Catalog updated")

	return nil
}

// Version implements discovery.Registry
func (c *Catalog) Version(ctx context.Context, _ string) (int64, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'version'").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}
	return v, nil
}

// Topology implements discovery.Registry
func (c *Catalog) Topology(ctx context.Context, identity string) (map[string][]string, error) {
	entries, err := c.visible(ctx, identity)
	if err != nil {
		return nil, err
	}

	topology := make(map[string][]string)
	for _, e := range entries {
		if !e.Available {
			continue
		}
		topology[e.Provider] = append(topology[e.Provider], e.Tool)
	}
	for p := range topology {
		sort.Strings(topology[p])
	}
	return topology, nil
}

// Search implements discovery.Registry with keyword scoring
func (c *Catalog) Search(ctx context.Context, req discovery.SearchRequest) ([]discovery.ToolDescriptor, error) {
	entries, err := c.visible(ctx, req.Identity)
	if err != nil {
		return nil, err
	}

	terms := tokenize(req.Query)
	results := make([]discovery.ToolDescriptor, 0, len(entries))
	for _, e := range entries {
		score := scoreEntry(e, terms)
		if score <= 0 {
			continue
		}
		d := discovery.ToolDescriptor{
			Provider:    e.Provider,
			ToolName:    e.Tool,
			Available:   e.Available,
			Score:       score,
			Description: e.Description,
		}
		if req.DetailLevel == discovery.DetailFull && len(e.Parameters) > 0 {
			d.Parameters = e.Parameters
		}
		results = append(results, d.Normalize())
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].QualifiedID < results[j].QualifiedID
	})

	limit := discovery.ClampLimit(req.Limit)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// visible returns the rows an identity sees, identity rows overriding shared ones
func (c *Catalog) visible(ctx context.Context, identity string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT identity, provider, tool, description, parameters, keywords, available
		FROM tools
		WHERE identity = '' OR identity = ?
		ORDER BY provider, tool, identity`, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]int)
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			params   string
			keywords string
		)
		if err := rows.Scan(&e.Identity, &e.Provider, &e.Tool, &e.Description, &params, &keywords, &e.Available); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		if params != "" {
			e.Parameters = json.RawMessage(params)
		}
		if keywords != "" {
			e.Keywords = strings.Fields(keywords)
		}

		id := discovery.QualifiedID(e.Provider, e.Tool)
		if pos, ok := byID[id]; ok {
			if e.Identity != "" {
				entries[pos] = e
			}
			continue
		}
		byID[id] = len(entries)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// scoreEntry weights matches in names over keywords over descriptions.
// An empty query matches every entry with a flat score.
func scoreEntry(e Entry, terms []string) float64 {
	if len(terms) == 0 {
		return 0.1
	}

	name := strings.Join(tokenize(e.Provider+" "+e.Tool), " ")
	description := strings.ToLower(e.Description)
	keywords := strings.Join(e.Keywords, " ")

	var total float64
	for _, term := range terms {
		switch {
		case containsWord(name, term):
			total += 3
		case strings.Contains(keywords, term):
			total += 2
		case strings.Contains(description, term):
			total += 1
		}
	}
	return total / float64(3*len(terms))
}

func containsWord(s, word string) bool {
	for _, f := range strings.Fields(s) {
		if f == word {
			return true
		}
	}
	return false
}

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes the tools a provider exposes
type Manifest struct {
	Provider string         `yaml:"provider"`
	Identity string         `yaml:"identity"`
	Tools    []ManifestTool `yaml:"tools"`
}

// ManifestTool is one tool in a manifest
type ManifestTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Keywords    []string       `yaml:"keywords"`
	Available   *bool          `yaml:"available"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Entries converts a manifest to catalog rows
func (m Manifest) Entries() ([]Entry, error) {
	if strings.TrimSpace(m.Provider) == "" {
		return nil, fmt.Errorf("manifest: provider is required")
	}

	entries := make([]Entry, 0, len(m.Tools))
	for _, t := range m.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("manifest %s: tool name is required", m.Provider)
		}

		available := true
		if t.Available != nil {
			available = *t.Available
		}

		var params json.RawMessage
		if len(t.Parameters) > 0 {
			raw, err := json.Marshal(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("manifest %s.%s: parameters: %w", m.Provider, t.Name, err)
			}
			params = raw
		}

		entries = append(entries, Entry{
			Identity:    m.Identity,
			Provider:    m.Provider,
			Tool:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Keywords:    t.Keywords,
			Available:   available,
		})
	}
	return entries, nil
}

// ParseManifest decodes one YAML manifest
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}

// LoadManifests reads every *.yaml and *.yml file in dir, in name order
func LoadManifests(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest dir: %w", err)
	}

	var names []string
	for _, f := range files {
		if f.IsDir() || !isManifest(f.Name()) {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	var entries []Entry
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		e, err := m.Entries()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		entries = append(entries, e...)
	}
	return entries, nil
}

func isManifest(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/autopilot/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEntries(t *testing.T) {
	noop := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }
	defs := []toolexecutor.ToolDefinition{
		{
			Provider:    "files",
			Name:        "read_file",
			Description: "Read a file",
			Keywords:    []string{"file"},
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path", Required: true},
			},
			Handler: noop,
		},
	}

	entries := localEntries(defs)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "files", e.Provider)
	assert.Equal(t, "read_file", e.Tool)
	assert.Empty(t, e.Identity)
	assert.True(t, e.Available)
	assert.Equal(t, []string{"file"}, e.Keywords)
	assert.JSONEq(t, string(toolexecutor.SchemaFor(defs[0].Parameters)), string(e.Parameters))
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.True(t, dirExists(dir))
	assert.False(t, dirExists(file))
	assert.False(t, dirExists(filepath.Join(dir, "missing")))
	assert.False(t, dirExists(" "))
}

func TestNewAppWithoutRuntime(t *testing.T) {
	cfgFile = writeTestConfig(t)
	logLevel = ""
	defer func() { cfgFile = "" }()

	a, err := newApp(context.Background(), appOptions{})
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.catalog)
	assert.NotNil(t, a.discovery)
	assert.Nil(t, a.runtime)

	topology, err := a.catalog.Topology(context.Background(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gmail_list", "gmail_send"}, topology["gmail"])
}

func TestNewAppWithRuntime(t *testing.T) {
	cfgFile = writeTestConfig(t)
	logLevel = ""
	defer func() { cfgFile = "" }()

	a, err := newApp(context.Background(), appOptions{runtime: true})
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.runtime)
	assert.NotNil(t, a.local)
}

func TestManifestReloadRefreshesTopology(t *testing.T) {
	cfgFile = writeTestConfig(t)
	logLevel = ""
	defer func() { cfgFile = "" }()

	ctx := context.Background()
	a, err := newApp(ctx, appOptions{})
	require.NoError(t, err)
	defer a.close()

	before := a.discovery.LoadTopology(ctx, "alice")
	assert.Contains(t, before, "gmail")
	assert.NotContains(t, before, "slack")

	slack := "provider: slack\ntools:\n  - name: slack_post\n    description: Post a message\n"
	require.NoError(t, os.WriteFile(filepath.Join(a.cfg.Registry.ManifestDir, "slack.yaml"), []byte(slack), 0o644))
	require.NoError(t, a.catalog.Sync(ctx, a.cfg.Registry.ManifestDir))

	assert.NotContains(t, a.discovery.LoadTopology(ctx, "alice"), "slack")

	a.onManifestReload(nil)
	after := a.discovery.LoadTopology(ctx, "alice")
	assert.Equal(t, []string{"slack_post"}, after["slack"])
	assert.Contains(t, after, "gmail")
}

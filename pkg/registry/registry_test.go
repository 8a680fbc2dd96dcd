package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/autopilot/pkg/discovery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gmailManifest = `
provider: gmail
tools:
  - name: gmail_send
    description: Send an email message
    keywords: [email, mail]
    parameters:
      type: object
      required: [to]
      properties:
        to: {type: string}
  - name: gmail_list
    description: List inbox messages
    keywords: [email, inbox]
`

const slackManifest = `
provider: slack
tools:
  - name: post_message
    description: Post a message to a channel
  - name: archive_channel
    description: Archive a channel
    available: false
`

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(Config{
		DBPath: filepath.Join(t.TempDir(), "catalog.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(gmailManifest))
	require.NoError(t, err)
	assert.Equal(t, "gmail", m.Provider)
	require.Len(t, m.Tools, 2)

	entries, err := m.Entries()
	require.NoError(t, err)
	assert.True(t, entries[0].Available)
	assert.Equal(t, []string{"email", "mail"}, entries[0].Keywords)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Parameters, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Nil(t, entries[1].Parameters)
}

func TestManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing provider", "tools:\n  - name: x\n"},
		{"missing tool name", "provider: p\ntools:\n  - description: nothing\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.body))
			require.NoError(t, err)
			_, err = m.Entries()
			assert.Error(t, err)
		})
	}

	_, err := ParseManifest([]byte("provider: [unclosed"))
	assert.Error(t, err)
}

func TestCatalog_SyncAndSearch(t *testing.T) {
	c := newTestCatalog(t)
	dir := t.TempDir()
	writeManifest(t, dir, "gmail.yaml", gmailManifest)
	writeManifest(t, dir, "slack.yml", slackManifest)
	writeManifest(t, dir, "README.md", "ignored")

	ctx := context.Background()
	require.NoError(t, c.Sync(ctx, dir))

	results, err := c.Search(ctx, discovery.SearchRequest{Query: "send email", Limit: 10, Identity: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "gmail.gmail_send", results[0].QualifiedID)
	assert.Nil(t, results[0].Parameters, "summary detail omits schemas")

	full, err := c.Search(ctx, discovery.SearchRequest{Query: "send email", DetailLevel: discovery.DetailFull, Limit: 1, Identity: "u1"})
	require.NoError(t, err)
	require.Len(t, full, 1)
	assert.NotEmpty(t, full[0].Parameters)

	none, err := c.Search(ctx, discovery.SearchRequest{Query: "calendar", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)

	archived, err := c.Search(ctx, discovery.SearchRequest{Query: "archive", Limit: 10})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.False(t, archived[0].Available)
}

func TestCatalog_Topology(t *testing.T) {
	c := newTestCatalog(t)
	dir := t.TempDir()
	writeManifest(t, dir, "gmail.yaml", gmailManifest)
	writeManifest(t, dir, "slack.yaml", slackManifest)
	require.NoError(t, c.Sync(context.Background(), dir))

	topo, err := c.Topology(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"gmail_list", "gmail_send"}, topo["gmail"])
	assert.Equal(t, []string{"post_message"}, topo["slack"])
}

func TestCatalog_VersionBumps(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	v0, err := c.Version(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, c.Upsert(ctx, []Entry{{Provider: "crm", Tool: "list_users", Available: true}}))
	v1, err := c.Version(ctx, "u1")
	require.NoError(t, err)
	assert.Greater(t, v1, v0)

	assert.Error(t, c.Upsert(ctx, []Entry{{Provider: "crm"}}))
	v2, err := c.Version(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, v1, v2, "failed write must not bump the version")
}

func TestCatalog_IdentityOverride(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, []Entry{
		{Provider: "github", Tool: "create_issue", Description: "Create issue", Available: true},
		{Identity: "alice", Provider: "github", Tool: "create_issue", Description: "Create issue", Available: false},
		{Identity: "bob", Provider: "jira", Tool: "create_issue", Description: "Create issue", Available: true},
	}))

	alice, err := c.Search(ctx, discovery.SearchRequest{Query: "issue", Limit: 10, Identity: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.False(t, alice[0].Available)

	bob, err := c.Search(ctx, discovery.SearchRequest{Query: "issue", Limit: 10, Identity: "bob"})
	require.NoError(t, err)
	require.Len(t, bob, 2)
	for _, r := range bob {
		assert.True(t, r.Available)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	c := newTestCatalog(t)
	dir := t.TempDir()
	writeManifest(t, dir, "gmail.yaml", gmailManifest)
	require.NoError(t, c.Sync(context.Background(), dir))

	before, err := c.Version(context.Background(), "")
	require.NoError(t, err)

	reloaded := make(chan error, 4)
	w, err := NewWatcher(WatcherConfig{
		Catalog:  c,
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		OnReload: func(err error) { reloaded <- err },
	})
	require.NoError(t, err)
	defer w.Stop()

	writeManifest(t, dir, "slack.yaml", slackManifest)

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	after, err := c.Version(context.Background(), "")
	require.NoError(t, err)
	assert.Greater(t, after, before)

	topo, err := c.Topology(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, topo, "slack")
}

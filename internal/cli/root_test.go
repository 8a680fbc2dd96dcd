package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
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
    description: List email messages in the inbox
    keywords: [email, inbox]
`

// executeCommand runs the root command with args and returns its output
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores flag defaults left over from earlier executions of the shared command tree
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		switch f.Value.Type() {
		case "bool", "string", "int", "float64":
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeTestConfig creates a data dir with a gmail manifest and returns the config path
func writeTestConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")

	dataDir := t.TempDir()
	toolsDir := filepath.Join(dataDir, "tools")
	require.NoError(t, os.MkdirAll(toolsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(toolsDir, "gmail.yaml"), []byte(gmailManifest), 0o644))

	cfg := map[string]any{
		"data_dir": dataDir,
		"logging":  map[string]any{"console": false, "level": "error"},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dataDir, "autopilot.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := executeCommand(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "autopilot version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := executeCommand(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Autopilot")
		assert.Contains(t, output, "budgets")
		assert.NotContains(t, output, "sandbox-exec")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := make(map[string]bool)
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = c.Hidden
		}
		for _, want := range []string{"run", "tools", "serve", "stop", "status", "configure"} {
			hidden, ok := names[want]
			assert.True(t, ok, "%s command should exist", want)
			assert.False(t, hidden, "%s should be visible", want)
		}
		hidden, ok := names["sandbox-exec"]
		assert.True(t, ok)
		assert.True(t, hidden)
	})
}

func TestLogLevelOverride(t *testing.T) {
	path := writeTestConfig(t)

	_, err := executeCommand(t, "tools", "topology", "--config", path, "--log-level", "verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

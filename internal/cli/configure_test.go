package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/autopilot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := executeCommand(t, "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "interactive configuration wizard")
	})

	t.Run("saves answers", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("OPENAI_API_KEY", "")
		path := filepath.Join(t.TempDir(), "autopilot.json")

		cmd := GetRootCmd()
		// provider, api key, model, invoker kind
		cmd.SetIn(strings.NewReader("openai\n\n\n\n"))
		defer cmd.SetIn(os.Stdin)

		output, err := executeCommand(t, "configure", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Equal(t, config.InvokerLocal, cfg.Invoker.Kind)
	})

	t.Run("input ends early", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		path := filepath.Join(t.TempDir(), "autopilot.json")

		cmd := GetRootCmd()
		cmd.SetIn(strings.NewReader(""))
		defer cmd.SetIn(os.Stdin)

		_, err := executeCommand(t, "configure", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration failed")
		assert.NoFileExists(t, path)
	})
}

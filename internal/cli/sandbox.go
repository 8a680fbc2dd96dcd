package cli

import (
	"os"

	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/spf13/cobra"
)

// sandboxExecCmd is the entry point the sandbox executor re-executes this binary with
var sandboxExecCmd = &cobra.Command{
	Use:                sandbox.ChildCommand + " <script> <capability-dir>",
	Short:              "Run a generated script as a sandbox child",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(sandbox.RunChild(args))
	},
}

func init() {
	rootCmd.AddCommand(sandboxExecCmd)
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/autopilot/pkg/budget"
	"github.com/harun/autopilot/pkg/planner"
	"github.com/spf13/cobra"
)

var (
	runIdentity  string
	runOverrides budget.Budget
	runContext   map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <task>",
	Short: "Run one task to completion",
	Long: `Run a natural-language task on behalf of an identity and print the task
result as JSON. Budget flags override the configured ceilings for this run only.
The command exits non-zero when the task fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runIdentity, "identity", "", "identity the task runs for (required)")
	runCmd.Flags().IntVar(&runOverrides.MaxSteps, "max-steps", 0, "maximum planner steps")
	runCmd.Flags().IntVar(&runOverrides.MaxToolCalls, "max-tool-calls", 0, "maximum tool invocations")
	runCmd.Flags().IntVar(&runOverrides.MaxCodeRuns, "max-code-runs", 0, "maximum sandbox executions")
	runCmd.Flags().Float64Var(&runOverrides.MaxLLMCostUSD, "max-cost", 0, "maximum estimated LLM cost in USD")
	runCmd.Flags().StringToStringVar(&runContext, "context", nil, "extra context for the planner as key=value pairs")
	_ = runCmd.MarkFlagRequired("identity")

	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{runtime: true, metrics: true})
	if err != nil {
		return err
	}
	defer a.close()

	req := buildRequest(strings.Join(args, " "), runIdentity, runOverrides, runContext)
	result := a.runtime.ExecuteTask(ctx, req)

	if err := writeResult(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Success {
		code := "unknown"
		if result.Error != nil {
			code = string(result.Error.Code)
		}
		return fmt.Errorf("task failed: %s", code)
	}
	return nil
}

// buildRequest assembles a task request; zero overrides keep the configured ceilings
func buildRequest(task, identity string, overrides budget.Budget, extra map[string]string) planner.TaskRequest {
	req := planner.TaskRequest{
		Task:     strings.TrimSpace(task),
		Identity: strings.TrimSpace(identity),
	}
	if overrides != (budget.Budget{}) {
		b := overrides
		req.Budget = &b
	}
	if len(extra) > 0 {
		req.ExtraContext = make(map[string]any, len(extra))
		for k, v := range extra {
			req.ExtraContext[k] = v
		}
	}
	return req
}

func writeResult(w io.Writer, result planner.TaskResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

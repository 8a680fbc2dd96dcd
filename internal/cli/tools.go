package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/harun/autopilot/pkg/discovery"
	"github.com/spf13/cobra"
)

var (
	toolsIdentity string
	searchLimit   int
	searchDetail  string
	searchJSON    bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tool catalog",
	Long: `Inspect the tool catalog the planner discovers tools from. The catalog is
loaded from the manifest directory on every invocation.`,
}

var toolsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the catalog the way the planner does",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runToolsSearch,
}

var toolsTopologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "List providers and their tool names",
	Args:  cobra.NoArgs,
	RunE:  runToolsTopology,
}

var toolsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reload manifests into the catalog",
	Args:  cobra.NoArgs,
	RunE:  runToolsSync,
}

func init() {
	toolsCmd.PersistentFlags().StringVar(&toolsIdentity, "identity", "", "identity whose view of the catalog to use")
	toolsSearchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of results (1-50)")
	toolsSearchCmd.Flags().StringVar(&searchDetail, "detail", string(discovery.DetailSummary), "detail level (summary, full)")
	toolsSearchCmd.Flags().BoolVar(&searchJSON, "json", false, "print descriptors as JSON")

	toolsCmd.AddCommand(toolsSearchCmd, toolsTopologyCmd, toolsSyncCmd)
	rootCmd.AddCommand(toolsCmd)
}

// searchTarget is a throwaway discovery target for one CLI search
type searchTarget struct {
	task     string
	identity string
	index    *discovery.Index
}

func (t *searchTarget) Task() string            { return t.task }
func (t *searchTarget) Identity() string        { return t.identity }
func (t *searchTarget) Index() *discovery.Index { return t.index }

func runToolsSearch(cmd *cobra.Command, args []string) error {
	detail := discovery.DetailLevel(searchDetail)
	if detail != discovery.DetailSummary && detail != discovery.DetailFull {
		return fmt.Errorf("invalid detail level %q", searchDetail)
	}

	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	query := strings.Join(args, " ")
	target := &searchTarget{
		task:     query,
		identity: toolsIdentity,
		index:    discovery.NewIndex(discovery.MaxLimit),
	}
	tools := a.discovery.RefinedDiscovery(cmd.Context(), target, query, detail, searchLimit)

	return printSearch(cmd.OutOrStdout(), tools, target.index, detail, searchJSON)
}

func printSearch(w io.Writer, tools []discovery.ToolDescriptor, index *discovery.Index, detail discovery.DetailLevel, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(w, "No tools found")
		return nil
	}
	for _, line := range index.MenuLines(detail) {
		fmt.Fprintln(w, line)
	}
	return nil
}

func runToolsTopology(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	topology := a.discovery.LoadTopology(cmd.Context(), toolsIdentity)
	printTopology(cmd.OutOrStdout(), topology)
	return nil
}

func printTopology(w io.Writer, topology map[string][]string) {
	if len(topology) == 0 {
		fmt.Fprintln(w, "No providers")
		return
	}
	providers := make([]string, 0, len(topology))
	for p := range topology {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, p := range providers {
		tools := append([]string(nil), topology[p]...)
		sort.Strings(tools)
		fmt.Fprintf(w, "%s: %s\n", p, strings.Join(tools, ", "))
	}
}

func runToolsSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if !dirExists(a.cfg.Registry.ManifestDir) {
		return fmt.Errorf("manifest directory %s does not exist", a.cfg.Registry.ManifestDir)
	}

	version, err := a.catalog.Version(cmd.Context(), toolsIdentity)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Catalog synced from %s (version %d)\n", a.cfg.Registry.ManifestDir, version)
	return nil
}

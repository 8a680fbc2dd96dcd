package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and catalog status",
	Long:  `Show whether the task server is running and what the tool catalog holds.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// catalogStatus is what status reports about the catalog
type catalogStatus struct {
	Path      string
	Version   int64
	Providers map[string][]string
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	printServerStatus(out, pidFilePath(a.cfg.DataDir))

	version, err := a.catalog.Version(cmd.Context(), "")
	if err != nil {
		return fmt.Errorf("failed to read catalog version: %w", err)
	}
	topology, err := a.catalog.Topology(cmd.Context(), "")
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	printCatalogStatus(out, catalogStatus{
		Path:      a.cfg.Registry.CatalogPath,
		Version:   version,
		Providers: topology,
	})
	fmt.Fprintf(out, "LLM: %s (%s)\n", a.cfg.LLM.Provider, a.cfg.LLM.Model)
	fmt.Fprintf(out, "Invoker: %s\n", a.cfg.Invoker.Kind)
	return nil
}

func printServerStatus(out io.Writer, pidFile string) {
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Server: stopped")
		return
	}

	pid, err := readPID(pidFile)
	if err != nil {
		fmt.Fprintln(out, "Server: stopped")
		return
	}

	fmt.Fprintln(out, "Server: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
}

func printCatalogStatus(out io.Writer, s catalogStatus) {
	tools := 0
	names := make([]string, 0, len(s.Providers))
	for p, t := range s.Providers {
		tools += len(t)
		names = append(names, p)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "Catalog: %s\n", s.Path)
	fmt.Fprintf(out, "Catalog version: %d\n", s.Version)
	fmt.Fprintf(out, "Providers: %d, tools: %d\n", len(names), tools)
	for _, p := range names {
		fmt.Fprintf(out, "  %s (%d)\n", p, len(s.Providers[p]))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ModuleSource renders the Starlark module exposing one provider's functions.
// Each function forwards its keyword arguments to call_tool.
func ModuleSource(module string, functions map[string]ToolRef) string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		ref := functions[name]
		fmt.Fprintf(&b, "def _%s(**kwargs):\n", name)
		fmt.Fprintf(&b, "    return call_tool(%s, %s, kwargs)\n\n", strconv.Quote(ref.Provider), strconv.Quote(ref.Tool))
	}

	fmt.Fprintf(&b, "%s = struct(\n", module)
	for _, name := range names {
		fmt.Fprintf(&b, "    %s = _%s,\n", name, name)
	}
	b.WriteString(")\n")

	return b.String()
}

// ToolRef names the provider tool behind a script function
type ToolRef struct {
	Provider string
	Tool     string
}

// writeModules writes one .star file per referenced module into dir
func writeModules(dir string, analysis Analysis, caps Capabilities) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create capability dir: %w", err)
	}

	for module := range analysis.Modules {
		functions := make(map[string]ToolRef, len(caps[module]))
		for name, d := range caps[module] {
			functions[name] = ToolRef{Provider: d.Provider, Tool: d.ToolName}
		}

		path := filepath.Join(dir, module+".star")
		if err := os.WriteFile(path, []byte(ModuleSource(module, functions)), 0o644); err != nil {
			return fmt.Errorf("failed to write capability module %s: %w", module, err)
		}
	}
	return nil
}

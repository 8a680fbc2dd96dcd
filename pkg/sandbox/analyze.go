package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harun/autopilot/pkg/discovery"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// CapabilityPrefix is the load path prefix of capability modules
const CapabilityPrefix = "//capabilities/"

const (
	mainFunc   = "__sandbox_main__"
	resultName = "__sandbox_result__"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// predeclaredNames are the script globals RunChild provides
var predeclaredNames = map[string]bool{
	"json":     true,
	"struct":   true,
	"sleep":    true,
	"identity": true,
}

// Analysis is the outcome of the static pass
type Analysis struct {
	// Modules maps each loaded module to the functions called on it
	Modules map[string][]string

	// Source is the driver program the child executes
	Source string
}

// Analyze checks a script without running it. It rejects syntax errors,
// loads outside the capability tree, and references to modules or
// functions missing from caps.
func Analyze(code string, caps Capabilities) (Analysis, error) {
	file, err := fileOptions.Parse("script.star", code, 0)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	refs := make(map[string]map[string]struct{})
	var loads []*syntax.LoadStmt

	for _, stmt := range file.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		loads = append(loads, load)

		module, err := checkLoad(load, caps)
		if err != nil {
			return Analysis{}, err
		}
		if refs[module] == nil {
			refs[module] = make(map[string]struct{})
		}
	}

	var walkErr error
	verbatim := make(map[int32]bool)
	syntax.Walk(file, func(n syntax.Node) bool {
		if walkErr != nil {
			return false
		}
		switch n := n.(type) {
		case *syntax.LoadStmt:
			if !isTopLevel(file, n) {
				walkErr = fmt.Errorf("%w: load must be at top level (line %d)", ErrSyntax, n.Load.Line)
			}
			return false
		case *syntax.Literal:
			// continuation lines of a multi-line string are copied as they are
			start, end := n.Span()
			for l := start.Line + 1; l <= end.Line; l++ {
				verbatim[l] = true
			}
		}
		return true
	})
	if walkErr != nil {
		return Analysis{}, walkErr
	}

	source, lines := wrap(code, loads, verbatim)
	wrapped, _, err := starlark.SourceProgramOptions(fileOptions, "main.star", source, func(name string) bool {
		return predeclaredNames[name]
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if err := checkReferences(wrapped, caps, refs, lines); err != nil {
		return Analysis{}, err
	}

	modules := make(map[string][]string, len(refs))
	for module, fns := range refs {
		names := make([]string, 0, len(fns))
		for fn := range fns {
			names = append(names, fn)
		}
		sort.Strings(names)
		modules[module] = names
	}

	return Analysis{Modules: modules, Source: source}, nil
}

// checkReferences walks the resolved driver program. A module binding may
// only appear as the operand of an attribute access naming a discovered
// function; any other use (assignment, argument, getattr) is rejected.
func checkReferences(file *syntax.File, caps Capabilities, refs map[string]map[string]struct{}, lines []int32) error {
	bound := make(map[*syntax.Ident]string)
	for _, stmt := range file.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		module := discovery.ModuleName(strings.TrimPrefix(load.ModuleName(), CapabilityPrefix))
		for _, to := range load.To {
			bound[to] = module
		}
	}

	moduleOf := func(id *syntax.Ident) (string, bool) {
		b, ok := id.Binding.(*resolve.Binding)
		if !ok || b == nil || b.First == nil {
			return "", false
		}
		module, ok := bound[b.First]
		return module, ok
	}
	line := func(l int32) int32 {
		if l > 0 && int(l) <= len(lines) {
			return lines[l-1]
		}
		return 0
	}

	var err error
	syntax.Walk(file, func(n syntax.Node) bool {
		if err != nil {
			return false
		}
		switch n := n.(type) {
		case *syntax.LoadStmt:
			return false
		case *syntax.DotExpr:
			ident, ok := n.X.(*syntax.Ident)
			if !ok {
				return true
			}
			module, ok := moduleOf(ident)
			if !ok {
				return true
			}
			if _, ok := caps[module][n.Name.Name]; !ok {
				err = &CapabilityError{Err: ErrUndiscoveredFunction, Module: module, Function: n.Name.Name, Line: line(n.Dot.Line)}
				return false
			}
			refs[module][n.Name.Name] = struct{}{}
			return false
		case *syntax.Ident:
			if module, ok := moduleOf(n); ok {
				err = &CapabilityError{Err: ErrModuleValue, Module: module, Line: line(n.NamePos.Line)}
				return false
			}
		}
		return true
	})
	return err
}

// checkLoad validates one load statement and returns the module it binds
func checkLoad(load *syntax.LoadStmt, caps Capabilities) (string, error) {
	path := load.ModuleName()
	if !strings.HasPrefix(path, CapabilityPrefix) {
		return "", &CapabilityError{Err: ErrForbiddenLoad, Module: path, Line: load.Load.Line}
	}

	module := discovery.ModuleName(strings.TrimPrefix(path, CapabilityPrefix))
	if _, ok := caps[module]; !ok {
		return "", &CapabilityError{Err: ErrUndiscoveredModule, Module: module, Line: load.Load.Line}
	}

	for _, from := range load.From {
		if from.Name != module {
			return "", &CapabilityError{Err: ErrUndiscoveredFunction, Module: module, Function: from.Name, Line: load.Load.Line}
		}
	}
	return module, nil
}

func isTopLevel(file *syntax.File, load *syntax.LoadStmt) bool {
	for _, stmt := range file.Stmts {
		if stmt == load {
			return true
		}
	}
	return false
}

// wrap hoists load statements and moves the rest of the script into a
// function so that a top-level return yields the script result. Lines in
// verbatim are not indented. The returned slice maps each line of the
// driver program to its line in code, or 0 for generated lines.
func wrap(code string, loads []*syntax.LoadStmt, verbatim map[int32]bool) (string, []int32) {
	lines := strings.Split(code, "\n")
	hoisted := make(map[int]bool)
	for _, load := range loads {
		for l := load.Load.Line; l <= load.Rparen.Line; l++ {
			hoisted[int(l)-1] = true
		}
	}

	var b strings.Builder
	mapping := make([]int32, 0, len(lines)+3)
	emit := func(orig int, text string) {
		b.WriteString(text)
		b.WriteByte('\n')
		mapping = append(mapping, int32(orig))
	}

	for i, line := range lines {
		if hoisted[i] {
			emit(i+1, line)
		}
	}

	emit(0, "def "+mainFunc+"():")
	empty := true
	for i, line := range lines {
		switch {
		case hoisted[i]:
		case verbatim[int32(i+1)]:
			emit(i+1, line)
		case strings.TrimSpace(line) == "":
			emit(i+1, "")
		default:
			empty = false
			emit(i+1, "    "+line)
		}
	}
	if empty {
		emit(0, "    pass")
	}
	emit(0, resultName+" = json.encode("+mainFunc+"())")

	return b.String(), mapping
}

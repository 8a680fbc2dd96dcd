package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/autopilot/pkg/discovery"
	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Child exit codes
const (
	ExitOK          = 0
	ExitScriptError = 1
	ExitSetupError  = 2
)

// RunChild executes a driver script inside the sandbox child process.
// args are the script path and the capability module directory. The
// script result is written to stdout after the sentinel from the
// environment; print output precedes it as log lines.
func RunChild(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sandbox-exec <script> <capability-dir>")
		return ExitSetupError
	}
	scriptPath, capDir := args[0], args[1]

	sentinel := os.Getenv(EnvSentinel)
	if sentinel == "" {
		fmt.Fprintln(os.Stderr, "sandbox: missing result sentinel")
		return ExitSetupError
	}

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: %v\n", err)
		return ExitSetupError
	}

	c := &child{
		capDir:  capDir,
		modules: make(map[string]starlark.StringDict),
		bridge:  openBridge(),
	}

	thread := &starlark.Thread{
		Name:  "sandbox",
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(os.Stdout, msg) },
		Load:  c.load,
	}

	predeclared := starlark.StringDict{
		"json":     starjson.Module,
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"sleep":    starlark.NewBuiltin("sleep", sleep),
		"identity": starlark.String(os.Getenv(EnvIdentity)),
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, "main.star", src, predeclared)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", firstLine(err.Error()))
		if evalErr, ok := err.(*starlark.EvalError); ok {
			fmt.Fprintln(os.Stderr, evalErr.Backtrace())
		}
		return ExitScriptError
	}

	encoded, ok := starlark.AsString(globals[resultName])
	if !ok {
		fmt.Fprintln(os.Stderr, "error: script result was not encoded")
		return ExitScriptError
	}

	fmt.Fprintf(os.Stdout, "%s%s\n", sentinel, encoded)
	return ExitOK
}

type child struct {
	capDir  string
	modules map[string]starlark.StringDict
	bridge  *bridgeClient
}

// load resolves capability modules from the generated module tree only
func (c *child) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	if !strings.HasPrefix(module, CapabilityPrefix) {
		return nil, fmt.Errorf("cannot load %s: only %s modules are available", module, CapabilityPrefix)
	}
	name := discovery.ModuleName(strings.TrimPrefix(module, CapabilityPrefix))
	if globals, ok := c.modules[name]; ok {
		return globals, nil
	}

	path := filepath.Join(c.capDir, name+".star")
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capability module %s is not available", name)
	}

	thread := &starlark.Thread{Name: "capability:" + name}
	predeclared := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"call_tool": starlark.NewBuiltin("call_tool", c.callTool),
	}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, name+".star", src, predeclared)
	if err != nil {
		return nil, err
	}
	c.modules[name] = globals
	return globals, nil
}

// callTool implements call_tool(provider, tool, kwargs) over the bridge
func (c *child) callTool(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var provider, tool string
	var params *starlark.Dict
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 3, &provider, &tool, &params); err != nil {
		return nil, err
	}

	encoded, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{params}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: cannot encode arguments: %v", provider, tool, err)
	}
	payload, _ := starlark.AsString(encoded)

	if c.bridge == nil {
		return nil, fmt.Errorf("%s.%s: %v", provider, tool, ErrBridgeUnavailable)
	}
	resp, err := c.bridge.call(provider, tool, payload)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %v", provider, tool, err)
	}
	if !resp.Successful {
		return nil, fmt.Errorf("%s.%s failed: %s", provider, tool, resp.Error)
	}
	if len(resp.Data) == 0 {
		return starlark.None, nil
	}
	return starlark.Call(thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(resp.Data)}, nil)
}

func sleep(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds starlark.Value
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &seconds); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(seconds)
	if !ok || f < 0 {
		return nil, fmt.Errorf("sleep: want non-negative number, got %s", seconds.Type())
	}
	time.Sleep(time.Duration(f * float64(time.Second)))
	return starlark.None, nil
}

// bridgeClient is the child end of the tool bridge
type bridgeClient struct {
	w      *os.File
	r      *bufio.Reader
	nextID int
}

func openBridge() *bridgeClient {
	w := os.NewFile(bridgeRequestFD, "bridge-requests")
	r := os.NewFile(bridgeResponseFD, "bridge-responses")
	if w == nil || r == nil {
		return nil
	}
	return &bridgeClient{w: w, r: bufio.NewReader(r)}
}

func (b *bridgeClient) call(provider, tool, payload string) (bridgeResponse, error) {
	b.nextID++
	line, err := encodeLine(bridgeRequest{
		ID:       b.nextID,
		Provider: provider,
		Tool:     tool,
		Payload:  []byte(payload),
	})
	if err != nil {
		return bridgeResponse{}, err
	}
	if _, err := b.w.Write(line); err != nil {
		return bridgeResponse{}, fmt.Errorf("tool bridge closed: %w", err)
	}

	raw, err := b.r.ReadBytes('\n')
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("tool bridge closed: %w", err)
	}
	var resp bridgeResponse
	if err := decodeLine(raw, &resp); err != nil {
		return bridgeResponse{}, err
	}
	if resp.ID != b.nextID {
		return bridgeResponse{}, fmt.Errorf("tool bridge answered call %d, want %d", resp.ID, b.nextID)
	}
	return resp, nil
}

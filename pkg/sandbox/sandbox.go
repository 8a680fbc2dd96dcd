package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

// ChildCommand is the argument that switches the binary into sandbox child mode
const ChildCommand = "sandbox-exec"

// Environment handed to the child process
const (
	EnvChild    = "AUTOPILOT_SANDBOX_CHILD"
	EnvIdentity = "AUTOPILOT_IDENTITY"
	EnvSentinel = "AUTOPILOT_SENTINEL"
)

// Config defines sandbox configuration
type Config struct {
	// Timeout is the hard wall-clock limit for one script
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// WorkDir is where per-execution working directories are created; empty uses the OS temp dir
	WorkDir string `json:"work_dir" mapstructure:"work_dir"`

	// KeepWorkDir leaves working directories in place for debugging
	KeepWorkDir bool `json:"keep_work_dir" mapstructure:"keep_work_dir"`

	// MaxOutputBytes caps captured stdout and stderr each; zero means unlimited
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`

	// Executable is the binary re-executed as the child; empty uses os.Executable
	Executable string `json:"-" mapstructure:"-"`

	// Args precede the script arguments; empty uses ChildCommand
	Args []string `json:"-" mapstructure:"-"`
}

// DefaultConfig returns a default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	if cfg.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxOutputBytes < 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}

// Capabilities maps a script module name to its callable functions
type Capabilities map[string]map[string]discovery.ToolDescriptor

// Bridge serves a capability call made by a running script
type Bridge func(ctx context.Context, provider, tool string, payload json.RawMessage) (toolexecutor.Response, error)

// Request is one script execution
type Request struct {
	Code         string
	Label        string
	Identity     string
	Capabilities Capabilities
	Bridge       Bridge
}

// Result is the outcome of one script execution
type Result struct {
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Logs     []string        `json:"logs"`
	Error    string          `json:"error,omitempty"`
	TimedOut bool            `json:"timed_out"`
	ExitCode int             `json:"exit_code"`
	Duration time.Duration   `json:"duration"`
}

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

const maxDiagnostic = 300

// Executor runs scripts in child processes
type Executor struct {
	config Config
}

// NewExecutor creates an executor
func NewExecutor(config Config) (*Executor, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		config.Executable = exe
	}
	if len(config.Args) == 0 {
		config.Args = []string{ChildCommand}
	}

	return &Executor{config: config}, nil
}

// GetConfig returns the sandbox configuration
func (e *Executor) GetConfig() Config {
	return e.config
}

// Execute statically checks and then runs a script.
// Rejections by the static pass are returned as errors (ErrSyntax or a
// *CapabilityError) without starting a process. Everything that happens
// after launch is reported in the Result.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	analysis, err := Analyze(req.Code, req.Capabilities)
	if err != nil {
		return Result{}, err
	}

	workDir, err := os.MkdirTemp(e.config.WorkDir, "sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	if !e.config.KeepWorkDir {
		defer os.RemoveAll(workDir)
	}

	scriptPath := filepath.Join(workDir, "main.star")
	if err := os.WriteFile(scriptPath, []byte(analysis.Source), 0o644); err != nil {
		return Result{}, fmt.Errorf("failed to write script: %w", err)
	}
	capDir := filepath.Join(workDir, "capabilities")
	if err := writeModules(capDir, analysis, req.Capabilities); err != nil {
		return Result{}, err
	}

	sentinel, err := gonanoid.New(32)
	if err != nil {
		return Result{}, fmt.Errorf("failed to generate sentinel: %w", err)
	}
	sentinel = "<<<" + sentinel + ">>>"

	// Tool bridge: child fd 3 -> reqR, respW -> child fd 4
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create bridge pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return Result{}, fmt.Errorf("failed to create bridge pipe: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	args := append(append([]string{}, e.config.Args...), scriptPath, capDir)
	cmd := exec.CommandContext(execCtx, e.config.Executable, args...)
	cmd.Dir = workDir
	cmd.Env = e.buildEnvironment(workDir, req.Identity, sentinel)
	cmd.ExtraFiles = []*os.File{reqW, respR}
	cmd.WaitDelay = time.Second

	stdout := &limitedBuffer{max: e.config.MaxOutputBytes}
	stderr := &limitedBuffer{max: e.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		respR.Close()
		respW.Close()
		return Result{}, fmt.Errorf("failed to start sandbox: %w", err)
	}
	reqW.Close()
	respR.Close()

	bridgeDone := make(chan int, 1)
	go func() {
		bridgeDone <- serveBridge(execCtx, reqR, respW, req.Bridge, req.Label)
	}()

	waitErr := cmd.Wait()
	duration := time.Since(start)
	timedOut := execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil

	// The child is gone; stop any in-flight tool call and collect the bridge
	cancel()
	respW.Close()
	reqR.Close()
	calls := <-bridgeDone

	result := Result{Duration: duration}

	if timedOut {
		result.TimedOut = true
		result.ExitCode = -1
		result.Logs = logLines(stdout.String())
		result.Error = fmt.Sprintf("%v after %v", ErrExecutionTimeout, e.config.Timeout)

		log.Warn().
			Str("label", req.Label).
			Str("identity", req.Identity).
			Dur("timeout", e.config.Timeout).
			Msg("Sandbox execution timed out")

		return result, nil
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		result.Logs = logLines(stdout.String())
		result.Error = fmt.Sprintf("sandbox cancelled: %v", ctx.Err())
		return result, nil
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	result.ExitCode = exitCode

	parseOutput(&result, stdout.String(), stderr.String(), sentinel, waitErr)

	log.Debug().
		Str("label", req.Label).
		Str("identity", req.Identity).
		Int("exit_code", exitCode).
		Int("tool_calls", calls).
		Bool("success", result.Success).
		Dur("duration", duration).
		Msg("Script executed in sandbox")

	return result, nil
}

// parseOutput splits stdout at the sentinel into logs and the JSON result
func parseOutput(result *Result, stdout, stderr, sentinel string, waitErr error) {
	idx := strings.LastIndex(stdout, sentinel)
	if idx < 0 {
		result.Logs = logLines(stdout)
		result.Error = diagnostic(stderr, result.Logs, result.ExitCode, "missing result marker", waitErr)
		return
	}

	result.Logs = logLines(stdout[:idx])
	payload := bytes.TrimSpace([]byte(stdout[idx+len(sentinel):]))

	if result.ExitCode != 0 || waitErr != nil {
		result.Error = diagnostic(stderr, result.Logs, result.ExitCode, "non-zero exit", waitErr)
		return
	}
	if !json.Valid(payload) {
		result.Error = diagnostic(stderr, result.Logs, result.ExitCode, "result is not valid JSON", nil)
		return
	}

	result.Success = true
	result.Result = payload
}

func diagnostic(stderr string, logs []string, exitCode int, fallback string, waitErr error) string {
	line := firstLine(stderr)
	if line == "" && len(logs) > 0 {
		line = logs[0]
	}
	if line == "" && waitErr != nil {
		line = waitErr.Error()
	}
	if line == "" {
		line = fallback
	}
	msg := fmt.Sprintf("exit code %d: %s", exitCode, line)
	if len(msg) > maxDiagnostic {
		msg = msg[:maxDiagnostic-3] + "..."
	}
	return msg
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func logLines(s string) []string {
	lines := []string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// buildEnvironment builds the child environment from scratch
func (e *Executor) buildEnvironment(workDir, identity, sentinel string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		EnvChild + "=1",
		EnvIdentity + "=" + identity,
		EnvSentinel + "=" + sentinel,
	}
}

// limitedBuffer keeps at most max bytes and drops the rest
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

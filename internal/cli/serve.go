package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/pkg/planner"
	"github.com/harun/autopilot/pkg/runqueue"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const maxRequestBytes = 1 << 20

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve task runs over HTTP",
	Long: `Serve task runs over HTTP in the foreground. POST a task request as JSON to
/v1/tasks and the task result is returned once the run ends. Runs for different
identities proceed concurrently while runs for one identity queue up in order.
An Idempotency-Key header replays the result of a finished run. Metrics are
served on /metrics when enabled.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	rootCmd.AddCommand(serveCmd)
}

// taskRunner is the part of the planner runtime the HTTP handler needs
type taskRunner interface {
	ExecuteTask(ctx context.Context, req planner.TaskRequest) planner.TaskResult
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{runtime: true})
	if err != nil {
		return err
	}
	defer a.close()

	pidFile := pidFilePath(a.cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("server is already running (PID file: %s)", pidFile)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	queueCfg := a.cfg.QueueConfig()
	queueCfg.Logger = a.log.Component("runqueue")
	queue := runqueue.New(queueCfg)
	defer queue.Close()

	mux := http.NewServeMux()
	limiter := newRateLimiter(a.cfg.Server.RequestsPerMinute)
	mux.Handle("/v1/tasks", newTaskHandler(queue, limiter, a.runtime, a.log.Component("server")))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if a.cfg.Metrics.Enabled {
		mux.Handle("/metrics", observability.MetricsHandler())
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	a.logger.Info().
		Str("addr", addr).
		Int("pid", os.Getpid()).
		Msg("Task server listening")
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down task server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newTaskHandler(queue *runqueue.Queue, limiter *rateLimiter, runner taskRunner, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req planner.TaskRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid task request: %v", err))
			return
		}

		if !limiter.Allow(req.Identity) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := runqueue.WithRequestID(r.Context(), r.Header.Get("Idempotency-Key"))
		value, err := queue.Submit(ctx, req.Identity, func(ctx context.Context) (any, error) {
			return runner.ExecuteTask(ctx, req), nil
		})
		if err != nil {
			logger.Warn().Err(err).Str("identity", req.Identity).Msg("Task request not run")
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		result := value.(planner.TaskResult)

		logger.Info().
			Str("run_id", result.RunID).
			Str("identity", req.Identity).
			Bool("success", result.Success).
			Dur("duration", result.Duration).
			Msg("Task request served")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = writeResult(w, result)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func pidFilePath(dataDir string) string {
	if dataDir == "" {
		return filepath.Join(os.TempDir(), "autopilot.pid")
	}
	return filepath.Join(dataDir, "autopilot.pid")
}

// readPID returns the process id recorded in a PID file
func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}

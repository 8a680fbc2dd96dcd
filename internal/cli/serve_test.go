package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/harun/autopilot/pkg/planner"
	"github.com/harun/autopilot/pkg/runqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []planner.TaskRequest
}

func (f *fakeRunner) ExecuteTask(_ context.Context, req planner.TaskRequest) planner.TaskResult {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return planner.TaskResult{
		RunID:        "run-1",
		Success:      true,
		FinalSummary: "done: " + req.Task,
	}
}

func TestTaskHandler(t *testing.T) {
	runner := &fakeRunner{}
	queue := runqueue.New(runqueue.Config{})
	defer queue.Close()
	srv := httptest.NewServer(newTaskHandler(queue, nil, runner, zerolog.Nop()))
	defer srv.Close()

	t.Run("runs task", func(t *testing.T) {
		body := `{"task":"list my mail","identity":"alice","budget":{"max_steps":3},"extra_context":{"tz":"UTC"}}`
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var result planner.TaskResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.True(t, result.Success)
		assert.Equal(t, "done: list my mail", result.FinalSummary)

		runner.mu.Lock()
		defer runner.mu.Unlock()
		require.Len(t, runner.reqs, 1)
		assert.Equal(t, "alice", runner.reqs[0].Identity)
		require.NotNil(t, runner.reqs[0].Budget)
		assert.Equal(t, 3, runner.reqs[0].Budget.MaxSteps)
		assert.Equal(t, "UTC", runner.reqs[0].ExtraContext["tz"])
	})

	t.Run("idempotency key replays result", func(t *testing.T) {
		post := func() planner.TaskResult {
			req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"task":"once","identity":"bob"}`))
			require.NoError(t, err)
			req.Header.Set("Idempotency-Key", "abc")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			var result planner.TaskResult
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			return result
		}

		first := post()
		second := post()
		assert.Equal(t, first.FinalSummary, second.FinalSummary)

		runner.mu.Lock()
		defer runner.mu.Unlock()
		count := 0
		for _, r := range runner.reqs {
			if r.Task == "once" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("idempotency key is scoped to identity", func(t *testing.T) {
		post := func(identity string) planner.TaskResult {
			body := `{"task":"` + identity + ` private task","identity":"` + identity + `"}`
			req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Idempotency-Key", "shared-key")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			var result planner.TaskResult
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			return result
		}

		assert.Equal(t, "done: carol private task", post("carol").FinalSummary)
		assert.Equal(t, "done: dave private task", post("dave").FinalSummary)
		assert.Equal(t, "done: carol private task", post("carol").FinalSummary)

		runner.mu.Lock()
		defer runner.mu.Unlock()
		counts := map[string]int{}
		for _, r := range runner.reqs {
			counts[r.Identity]++
		}
		assert.Equal(t, 1, counts["carol"])
		assert.Equal(t, 1, counts["dave"])
	})

	t.Run("rejects other methods", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"task":`},
		{"unknown field", `{"task":"x","identity":"a","priority":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body["error"], "invalid task request")
		})
	}
}

func TestTaskHandlerRateLimit(t *testing.T) {
	queue := runqueue.New(runqueue.Config{})
	defer queue.Close()
	srv := httptest.NewServer(newTaskHandler(queue, newRateLimiter(1), &fakeRunner{}, zerolog.Nop()))
	defer srv.Close()

	post := func(identity string) int {
		body := `{"task":"t","identity":"` + identity + `"}`
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("alice"))
	assert.Equal(t, http.StatusTooManyRequests, post("alice"))
	assert.Equal(t, http.StatusOK, post("bob"))
}

func TestPIDFile(t *testing.T) {
	t.Run("path", func(t *testing.T) {
		assert.Equal(t, filepath.Join("/data", "autopilot.pid"), pidFilePath("/data"))
		assert.Equal(t, filepath.Join(os.TempDir(), "autopilot.pid"), pidFilePath(""))
	})

	t.Run("read", func(t *testing.T) {
		dir := t.TempDir()
		good := filepath.Join(dir, "good.pid")
		bad := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(good, []byte("1234\n"), 0o644))
		require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0o644))

		pid, err := readPID(good)
		require.NoError(t, err)
		assert.Equal(t, 1234, pid)

		_, err = readPID(bad)
		assert.Error(t, err)

		_, err = readPID(filepath.Join(dir, "missing.pid"))
		assert.Error(t, err)
	})

	t.Run("running", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "autopilot.pid")
		assert.False(t, isRunning(pidFile))

		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
		assert.True(t, isRunning(pidFile))
	})
}

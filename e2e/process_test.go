//go:build e2e

// Package e2e drives the controller API against real executor processes.
// Run with: go test -tags=e2e ./e2e/
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"jobctl/internal/api"
	"jobctl/internal/caller"
	"jobctl/internal/environment"
	"jobctl/internal/events"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/process"
	"jobctl/internal/store/sqlite"
	"jobctl/internal/testutil"
)

const apiKey = "e2e-key"

var executorBinary string

// TestMain builds the executor once, unless E2E_EXECUTOR_BINARY points at one.
func TestMain(m *testing.M) {
	executorBinary = os.Getenv("E2E_EXECUTOR_BINARY")
	if executorBinary == "" {
		dir, err := os.MkdirTemp("", "jobctl-e2e")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		executorBinary = filepath.Join(dir, "job-executor")
		build := exec.Command("go", "build", "-o", executorBinary, "../cmd/job-executor")
		build.Stdout, build.Stderr = os.Stdout, os.Stderr
		if err := build.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "build job-executor:", err)
			os.Exit(1)
		}
		code := m.Run()
		os.RemoveAll(dir)
		os.Exit(code)
	}
	os.Exit(m.Run())
}

type controller struct {
	url    string
	store  *sqlite.Store
	events *events.Recorder
}

func newController(t *testing.T) *controller {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var handler atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	host, err := process.LocalHost()
	if err != nil {
		t.Skipf("no usable network interface: %v", err)
	}
	prober, err := process.NewProcfsProber()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	rec := &events.Recorder{}
	jobCaller := caller.NewProcessCaller(caller.Deps{
		Store: store,
		Builder: environment.NewBuilder(environment.Settings{
			LogDirectory:     t.TempDir(),
			ControllerURL:    srv.URL,
			ControllerAPIKey: apiKey,
		}),
		Publisher: rec,
	}, caller.ProcessConfig{
		Binary:            executorBinary,
		LogDir:            t.TempDir(),
		StartupCheckDelay: 200 * time.Millisecond,
	}, caller.ProcessRuntime{
		Launcher: process.NewExecLauncher(),
		Prober:   prober,
		Host:     host,
	})

	handler.Store(api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(store, jobCaller),
		HealthChecker: health.NewChecker(health.ReadyFunc(store.Ping), jobCaller),
		APIKey:        apiKey,
	}))
	return &controller{url: srv.URL, store: store, events: rec}
}

func (c *controller) call(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, c.url+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *controller) start(t *testing.T, id job.Identity, script string) {
	t.Helper()
	resp := c.call(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/start", id), job.StartRequest{
		JobClass:   "shell",
		Parameters: map[string]string{"script": script},
	})
	if resp.StatusCode != http.StatusAccepted {
		var e map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&e)
		t.Fatalf("start job %d: status %d: %s", id, resp.StatusCode, e["error"])
	}
}

func (c *controller) finishable(t *testing.T, id job.Identity) bool {
	t.Helper()
	var fr job.FinishableResponse
	resp := c.call(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/finishable", id), nil)
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		t.Fatal(err)
	}
	return fr.Finishable
}

func TestReadyz(t *testing.T) {
	c := newController(t)
	resp := c.call(t, http.MethodGet, "/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz: status %d", resp.StatusCode)
	}
}

func TestProcessJob_RunsToCompletion(t *testing.T) {
	c := newController(t)
	c.start(t, 1, "sleep 0.5")

	rec := testutil.MustWaitForRecord(t, c.store, 1, testutil.StatusIs(job.StatusDone), testutil.WithTimeout(30*time.Second))
	if rec.ExecutorIdentifier == "" || rec.ExecutorEndpoint == "" {
		t.Errorf("record missing executor fields: %+v", rec)
	}

	testutil.MustWaitFor(t, func() bool { return c.finishable(t, 1) }, testutil.WithTimeout(10*time.Second))

	resp := c.call(t, http.MethodDelete, "/v1/jobs/1/executor", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("destroy: status %d", resp.StatusCode)
	}
	testutil.MustWaitForRecord(t, c.store, 1, testutil.ExecutorDestroyed, testutil.WithTimeout(5*time.Second))
}

func TestProcessJob_FailureReported(t *testing.T) {
	c := newController(t)
	c.start(t, 2, "sleep 0.5; exit 7")

	rec := testutil.MustWaitForRecord(t, c.store, 2, testutil.StatusIs(job.StatusFailed), testutil.WithTimeout(30*time.Second))
	if rec.Description == "" {
		t.Error("failed job has no description")
	}
}

func TestProcessJob_StopAndDestroy(t *testing.T) {
	c := newController(t)
	c.start(t, 3, "sleep 60")

	testutil.MustWaitForRecord(t, c.store, 3, func(r *job.Record) bool { return r.ExecutorEndpoint != "" },
		testutil.WithTimeout(30*time.Second))
	if c.finishable(t, 3) {
		t.Fatal("running executor reported finishable")
	}

	resp := c.call(t, http.MethodPost, "/v1/jobs/3/stop", nil)
	var sr job.Response
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || sr.Status != job.StatusCanceled {
		t.Fatalf("stop: status %d, response %+v", resp.StatusCode, sr)
	}

	resp = c.call(t, http.MethodDelete, "/v1/jobs/3/executor", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("destroy: status %d", resp.StatusCode)
	}
	testutil.MustWaitFor(t, func() bool { return c.finishable(t, 3) }, testutil.WithTimeout(10*time.Second))

	if _, ok := c.events.Last(events.TypeDestroy); !ok {
		t.Error("no destroy event published")
	}
}

func TestProcessJob_DoubleStartConflicts(t *testing.T) {
	c := newController(t)
	c.start(t, 4, "sleep 5")

	resp := c.call(t, http.MethodPost, "/v1/jobs/4/start", job.StartRequest{
		JobClass:   "shell",
		Parameters: map[string]string{"script": "true"},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start: status %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	c.call(t, http.MethodPost, "/v1/jobs/4/stop", nil)
	if resp := c.call(t, http.MethodDelete, "/v1/jobs/4/executor", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("destroy: status %d", resp.StatusCode)
	}
}

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"jobctl/internal/job"
	"jobctl/internal/process"
)

// maxRequestBodySize limits control request bodies.
const maxRequestBodySize = 1 << 20

// Runner executes one job and serves its control endpoints.
type Runner struct {
	boot     *Boot
	cfg      Config
	tasks    *Registry
	reporter *Reporter
	logger   *slog.Logger

	mu      sync.Mutex
	jc      job.Context
	task    Task
	cancel  context.CancelFunc
	stopped bool
}

// NewRunner creates a Runner for a loaded boot environment.
func NewRunner(boot *Boot, cfg Config, tasks *Registry) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	return &Runner{
		boot:     boot,
		cfg:      cfg,
		tasks:    tasks,
		reporter: NewReporter(boot.ControllerURL, boot.ControllerAPIKey, cfg.ReportTimeout, cfg.ReportRetries),
		logger: slog.With("component", "executor", "jobId", boot.Context.Identity(),
			"jobClass", boot.Context.Class(), "executorName", boot.ExecutorName),
		jc: boot.Context,
	}
}

// Handler returns the executor control endpoints.
func (r *Runner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/executor/stop/{jobId}", r.handleStop)
	mux.HandleFunc("POST /v1/executor/modify/{jobId}", r.handleModify)
	mux.HandleFunc("GET /v1/executor/heartbeat", r.handleHeartbeat)
	return mux
}

// Run serves the control endpoints, runs the task and reports its outcome.
// The returned status is DONE, FAILED or CANCELED.
func (r *Runner) Run(ctx context.Context) (job.Status, error) {
	id := r.boot.Context.Identity()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(r.boot.Port))
	if err != nil {
		r.finish(ctx, job.StatusFailed, "executor cannot listen: "+err.Error())
		return job.StatusFailed, err
	}
	srv := &http.Server{
		Handler:      r.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Control server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	endpoint, err := r.endpoint(ln.Addr())
	if err != nil {
		r.finish(ctx, job.StatusFailed, err.Error())
		return job.StatusFailed, err
	}
	r.logger.Info("Executor started", "endpoint", endpoint, "runMode", r.boot.RunMode, "logDirectory", r.boot.LogDirectory)

	task, err := r.tasks.New(r.boot.Context.Class())
	if err != nil {
		r.finish(ctx, job.StatusFailed, err.Error())
		return job.StatusFailed, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.task = task
	r.cancel = cancel
	stopped := r.stopped
	jc := r.jc
	r.mu.Unlock()
	if stopped {
		r.logger.Info("Stopped before the task began")
		return job.StatusCanceled, nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		r.heartbeatLoop(hbCtx, id, endpoint)
	}()

	runErr := task.Run(taskCtx, jc)
	stopHeartbeat()
	hbDone.Wait()

	r.mu.Lock()
	stopped = r.stopped
	r.mu.Unlock()

	switch {
	case stopped:
		// The controller completes CANCELING to CANCELED on our acknowledgement.
		r.logger.Info("Task stopped")
		return job.StatusCanceled, nil
	case runErr != nil:
		r.logger.Error("Task failed", "error", runErr)
		r.finish(ctx, job.StatusFailed, runErr.Error())
		return job.StatusFailed, runErr
	default:
		r.logger.Info("Task completed")
		r.finish(ctx, job.StatusDone, "")
		return job.StatusDone, nil
	}
}

func (r *Runner) endpoint(addr net.Addr) (string, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", errors.New("control listener is not TCP")
	}
	host := r.cfg.AdvertiseHost
	if host == "" {
		local, err := process.LocalHost()
		if err != nil {
			return "", err
		}
		host = local.IPAddress
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port)), nil
}

func (r *Runner) heartbeatLoop(ctx context.Context, id job.Identity, endpoint string) {
	if !r.reporter.Enabled() {
		return
	}
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := r.reporter.Heartbeat(ctx, id, endpoint); err != nil && ctx.Err() == nil {
			r.logger.Warn("Heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) finish(ctx context.Context, status job.Status, description string) {
	if err := r.reporter.Finish(context.WithoutCancel(ctx), r.boot.Context.Identity(), status, description); err != nil {
		r.logger.Error("Failed to report job result", "status", status, "error", err)
	}
}

func (r *Runner) ownsJob(w http.ResponseWriter, req *http.Request) bool {
	id, err := job.ParseIdentity(req.PathValue("jobId"))
	if err != nil {
		writeAck(w, http.StatusBadRequest, job.Ack{Error: "invalid job id"})
		return false
	}
	if id != r.boot.Context.Identity() {
		writeAck(w, http.StatusOK, job.Ack{Successful: true, Data: false, Error: "executor runs job " + r.boot.Context.Identity().String()})
		return false
	}
	return true
}

func (r *Runner) handleStop(w http.ResponseWriter, req *http.Request) {
	if !r.ownsJob(w, req) {
		return
	}
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.logger.Info("Stop requested")
	writeAck(w, http.StatusOK, job.Ack{Successful: true, Data: true})
}

func (r *Runner) handleModify(w http.ResponseWriter, req *http.Request) {
	if !r.ownsJob(w, req) {
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodySize)
	var body job.ModifyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeAck(w, http.StatusBadRequest, job.Ack{Error: "invalid request body: " + err.Error()})
		return
	}

	r.mu.Lock()
	r.jc = r.jc.WithParameters(body.Parameters)
	task := r.task
	r.mu.Unlock()

	if m, ok := task.(Modifier); ok {
		if err := m.Modify(body.Parameters); err != nil {
			writeAck(w, http.StatusOK, job.Ack{Successful: true, Data: false, Error: err.Error()})
			return
		}
	}
	r.logger.Info("Parameters modified", "count", len(body.Parameters))
	writeAck(w, http.StatusOK, job.Ack{Successful: true, Data: true})
}

func (r *Runner) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeAck(w, http.StatusOK, job.Ack{Successful: true, Data: true})
}

func writeAck(w http.ResponseWriter, status int, ack job.Ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ack)
}

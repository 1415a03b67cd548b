// Package process spawns executor processes on the local host and
// probes or kills them by pid and executor marker.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"jobctl/internal/apperrors"
	"jobctl/internal/executor"
)

// Spec describes one executor process.
type Spec struct {
	Binary       string
	Args         []string
	Env          map[string]string
	ExecutorName string
	LogDir       string // stdout/stderr go to <LogDir>/<ExecutorName>.log; empty discards
}

// Launcher starts executor processes.
type Launcher interface {
	// Launch starts the process and returns its pid without waiting for it.
	Launch(ctx context.Context, spec Spec) (int, error)
}

// inheritedEnv lists controller variables passed through to executors.
var inheritedEnv = []string{"PATH", "HOME", "TMPDIR", "TZ", "LANG"}

// ExecLauncher starts processes with os/exec. Children run in their own
// process group so they survive a controller restart.
type ExecLauncher struct {
	logger *slog.Logger
}

// NewExecLauncher creates an ExecLauncher.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{logger: slog.With("component", "process-launcher")}
}

// Launch implements Launcher. The executor marker is appended as the last argument.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (int, error) {
	if spec.Binary == "" {
		return 0, apperrors.Fatal("process.launch", "executor binary is not configured")
	}
	if spec.ExecutorName == "" {
		return 0, apperrors.Fatal("process.launch", "executor name is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	args := append(slices.Clone(spec.Args), executor.Marker(spec.ExecutorName))
	// Not CommandContext: the executor must outlive the request that started it.
	cmd := exec.Command(spec.Binary, args...)
	cmd.Env = buildEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, err := openLog(spec.LogDir, spec.ExecutorName)
	if err != nil {
		return 0, apperrors.Internal("process.launch", err)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		closeLog(out)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return 0, apperrors.FatalCause("process.launch", err)
		}
		return 0, apperrors.Internal("process.launch", err)
	}

	pid := cmd.Process.Pid
	logger := l.logger.With("pid", pid, "executorName", spec.ExecutorName)
	logger.Info("Executor process started", "binary", spec.Binary)

	// Reap the child so it does not linger as a zombie.
	go func() {
		err := cmd.Wait()
		closeLog(out)
		logger.Info("Executor process exited", "error", err)
	}()

	return pid, nil
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+len(inheritedEnv))
	for _, k := range inheritedEnv {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func openLog(dir, name string) (io.Writer, error) {
	if dir == "" {
		return io.Discard, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid executor name %q", name)
	}
	return os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func closeLog(w io.Writer) {
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}

var _ Launcher = (*ExecLauncher)(nil)

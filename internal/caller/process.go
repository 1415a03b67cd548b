package caller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/executor"
	"jobctl/internal/job"
	"jobctl/internal/process"
)

// ProcessRuntime holds the OS-facing collaborators of the process backend.
type ProcessRuntime struct {
	Launcher process.Launcher
	Prober   process.Prober
	Killer   process.Killer
	Host     process.Host
	Hosts    HostChecker // checks peer controllers; default HTTP /livez
}

type processBackend struct {
	cfg    ProcessConfig
	rt     ProcessRuntime
	logger *slog.Logger
}

// NewProcessCaller creates a caller that runs executors as local processes.
func NewProcessCaller(d Deps, pcfg ProcessConfig, rt ProcessRuntime) *BaseCaller {
	cfg := d.Config.withDefaults()
	if rt.Killer == nil {
		rt.Killer = process.SignalKiller{}
	}
	if rt.Hosts == nil {
		rt.Hosts = NewHTTPHostChecker(cfg.HostHealthPort, cfg.HostHealthTimeout)
	}
	b := &processBackend{
		cfg:    pcfg,
		rt:     rt,
		logger: slog.With("component", "process-backend"),
	}
	return newBaseCaller(b, d)
}

func (b *processBackend) runMode() job.RunMode { return job.RunModeProcess }

func (b *processBackend) validate() error {
	if err := validateStruct("caller.process.config", b.cfg); err != nil {
		return err
	}
	if b.rt.Launcher == nil || b.rt.Prober == nil {
		return apperrors.Fatal("caller.process.config", "launcher and prober are required")
	}
	return nil
}

func (b *processBackend) ready(context.Context) error {
	info, err := os.Stat(b.cfg.Binary)
	if err != nil {
		return apperrors.FatalCause("caller.process.ready", err)
	}
	if info.IsDir() {
		return apperrors.Fatal("caller.process.ready", b.cfg.Binary+" is a directory")
	}
	return nil
}

func (b *processBackend) doStart(ctx context.Context, _ *job.Record, name string, env map[string]string) (executor.Identifier, error) {
	pid, err := b.rt.Launcher.Launch(ctx, process.Spec{
		Binary:       b.cfg.Binary,
		Args:         b.cfg.Args,
		Env:          env,
		ExecutorName: name,
		LogDir:       b.cfg.LogDir,
	})
	if err != nil {
		return nil, err
	}
	logger := b.logger.With("pid", pid, "executorName", name)

	// A broken binary or bad argument usually exits immediately; wait
	// briefly so that shows up as a failed start, not a RUNNING job.
	if b.cfg.StartupCheckDelay > 0 {
		timer := time.NewTimer(b.cfg.StartupCheckDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.kill(logger, pid)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	alive, err := b.rt.Prober.Alive(pid, name)
	if err != nil {
		b.kill(logger, pid)
		return nil, apperrors.FatalCause("caller.process.start", err)
	}
	if !alive {
		// Children it forked may still hold the process group.
		b.kill(logger, pid)
		return nil, apperrors.Fatal("caller.process.start", fmt.Sprintf("executor process %d exited during startup", pid))
	}

	logger.Info("Executor process launched")
	return executor.ProcessIdentifier{
		IPAddress:       b.rt.Host.IPAddress,
		PhysicalAddress: b.rt.Host.PhysicalAddress,
		ExecutorName:    name,
		PID:             pid,
	}, nil
}

func (b *processBackend) kill(logger *slog.Logger, pid int) {
	if err := b.rt.Killer.Kill(pid); err != nil {
		logger.Warn("Failed to kill executor process", "error", err)
	}
}

func processIdent(id executor.Identifier) (executor.ProcessIdentifier, error) {
	p, ok := id.(executor.ProcessIdentifier)
	if !ok {
		return executor.ProcessIdentifier{}, apperrors.Fatal("caller.process", fmt.Sprintf("not a process identifier: %s", id.Encode()))
	}
	return p, nil
}

// isExecutorExist can only inspect local processes. A process on another
// host is assumed alive; checkDestroy settles it.
func (b *processBackend) isExecutorExist(_ context.Context, id executor.Identifier) (bool, error) {
	p, err := processIdent(id)
	if err != nil {
		return false, err
	}
	if !b.rt.Host.IsLocal(p.IPAddress) {
		return true, nil
	}
	return b.rt.Prober.Alive(p.PID, p.ExecutorName)
}

func (b *processBackend) checkDestroy(ctx context.Context, _ *job.Record, id executor.Identifier) (destroyDecision, error) {
	p, err := processIdent(id)
	if err != nil {
		return destroyNow, err
	}
	if b.rt.Host.IsLocal(p.IPAddress) {
		return destroyNow, nil
	}

	err = b.rt.Hosts.Reachable(ctx, p.IPAddress)
	switch {
	case err == nil:
		return destroyNow, apperrors.Fatal("caller.process.destroy",
			fmt.Sprintf("executor runs on live host %s; destroy it from that controller", p.IPAddress))
	case errors.Is(err, apperrors.ErrUnreachable):
		b.logger.Warn("Executor host unreachable", "host", p.IPAddress, "error", err)
		return destroyAbandon, nil
	default:
		return destroyNow, err
	}
}

func (b *processBackend) listExecutors(context.Context) ([]liveExecutor, error) {
	running, err := b.rt.Prober.Executors()
	if err != nil {
		return nil, err
	}
	out := make([]liveExecutor, 0, len(running))
	for _, r := range running {
		id, ok := executor.JobFromName(r.ExecutorName)
		if !ok {
			continue
		}
		out = append(out, liveExecutor{
			jobID: id,
			ident: executor.ProcessIdentifier{
				IPAddress:       b.rt.Host.IPAddress,
				PhysicalAddress: b.rt.Host.PhysicalAddress,
				ExecutorName:    r.ExecutorName,
				PID:             r.PID,
			},
		})
	}
	return out, nil
}

func (b *processBackend) sameExecutor(recorded, found executor.Identifier) bool {
	r, rok := recorded.(executor.ProcessIdentifier)
	f, fok := found.(executor.ProcessIdentifier)
	return rok && fok && b.rt.Host.IsLocal(r.IPAddress) && r.PID == f.PID && r.ExecutorName == f.ExecutorName
}

func (b *processBackend) doDestroy(_ context.Context, id executor.Identifier) error {
	p, err := processIdent(id)
	if err != nil {
		return err
	}
	if !b.rt.Host.IsLocal(p.IPAddress) {
		return apperrors.Fatal("caller.process.destroy", "cannot kill a process on host "+p.IPAddress)
	}
	alive, err := b.rt.Prober.Alive(p.PID, p.ExecutorName)
	if err != nil {
		return err
	}
	if !alive {
		// The pid may belong to an unrelated process by now.
		return nil
	}
	if err := b.rt.Killer.Kill(p.PID); err != nil {
		return apperrors.Internal("caller.process.destroy", fmt.Errorf("kill %d: %w", p.PID, err))
	}
	b.logger.Info("Executor process killed", "pid", p.PID, "executorName", p.ExecutorName)
	return nil
}

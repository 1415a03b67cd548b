package process

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/prometheus/procfs"

	"jobctl/internal/apperrors"
	"jobctl/internal/executor"
)

// Prober finds live executor processes on this host.
type Prober interface {
	// Alive checks whether pid is a live executor with the given name.
	Alive(pid int, executorName string) (bool, error)
	// Executors lists every live process carrying an executor marker.
	Executors() ([]Running, error)
}

// Running is one live executor process.
type Running struct {
	PID          int
	ExecutorName string
}

// ProcfsProber reads /proc/<pid>/stat and /proc/<pid>/cmdline.
type ProcfsProber struct {
	fs procfs.FS
}

// NewProcfsProber creates a prober over the default /proc mount.
func NewProcfsProber() (*ProcfsProber, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, apperrors.FatalCause("process.prober", err)
	}
	return &ProcfsProber{fs: pfs}, nil
}

// Alive implements Prober. A zombie counts as dead. A pid whose command
// line lacks the executor marker belongs to someone else.
func (p *ProcfsProber) Alive(pid int, executorName string) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return false, gone(err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return false, gone(err)
	}
	if stat.State == "Z" || stat.State == "X" {
		return false, nil
	}
	args, err := proc.CmdLine()
	if err != nil {
		return false, gone(err)
	}
	name, ok := executor.NameFromArgs(args)
	return ok && name == executorName, nil
}

// Executors implements Prober. Processes that exit mid-scan are skipped.
func (p *ProcfsProber) Executors() ([]Running, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, apperrors.Internal("process.list", err)
	}
	var out []Running
	for _, proc := range procs {
		args, err := proc.CmdLine()
		if err != nil {
			continue
		}
		name, ok := executor.NameFromArgs(args)
		if !ok {
			continue
		}
		stat, err := proc.Stat()
		if err != nil || stat.State == "Z" || stat.State == "X" {
			continue
		}
		out = append(out, Running{PID: proc.PID, ExecutorName: name})
	}
	return out, nil
}

// gone maps "process vanished while reading" to a nil error.
func gone(err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return apperrors.Internal("process.probe", err)
}

// Killer terminates a process.
type Killer interface {
	Kill(pid int) error
}

// SignalKiller sends SIGKILL to the process group led by pid.
type SignalKiller struct{}

// Kill implements Killer. Killing a process that no longer exists succeeds.
func (SignalKiller) Kill(pid int) error {
	if pid <= 0 {
		return apperrors.Fatal("process.kill", "invalid pid")
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, syscall.SIGKILL)
	}
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return apperrors.Internal("process.kill", err)
}

var (
	_ Prober = (*ProcfsProber)(nil)
	_ Killer = SignalKiller{}
)

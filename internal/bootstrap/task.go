package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// Task is the body of a job class.
type Task interface {
	// Run executes the job. It must return promptly once ctx is done.
	Run(ctx context.Context, jc job.Context) error
}

// Modifier is implemented by tasks that accept new parameters while running.
type Modifier interface {
	Modify(parameters map[string]string) error
}

// TaskFactory creates a fresh Task for one execution.
type TaskFactory func() Task

// Registry maps job classes to task factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TaskFactory
}

// NewRegistry creates a registry holding the built-in "shell" class.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]TaskFactory)}
	r.Register(ShellJobClass, func() Task { return &ShellTask{} })
	return r
}

// Register adds or replaces the factory for class.
func (r *Registry) Register(class string, f TaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = f
}

// New creates a task for class.
func (r *Registry) New(class string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	if !ok {
		return nil, apperrors.Fatal("bootstrap.task", fmt.Sprintf("unknown job class %q", class))
	}
	return f(), nil
}

// Classes returns the registered job classes in order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ShellJobClass runs the "script" parameter with /bin/sh.
const ShellJobClass = "shell"

// ShellTask runs a shell script. Parameters other than "script" are
// exported to the script as JOB_PARAM_<name>.
type ShellTask struct{}

// Run implements Task.
func (s *ShellTask) Run(ctx context.Context, jc job.Context) error {
	params := jc.Parameters()
	script := params["script"]
	if script == "" {
		return apperrors.Validation("script", "shell job requires a script parameter")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so children of the script go too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = os.Environ()
	for k, v := range params {
		if k != "script" {
			cmd.Env = append(cmd.Env, "JOB_PARAM_"+k+"="+v)
		}
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("shell script failed: %w", err)
	}
	return nil
}

var _ Task = (*ShellTask)(nil)

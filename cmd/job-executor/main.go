// job-executor runs one job inside the process or pod the controller
// launched, reading everything it needs from its encrypted environment.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jobctl/internal/bootstrap"
	"jobctl/internal/job"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	status, err := run()
	if err != nil {
		slog.Error("Executor failed", "error", err)
		os.Exit(1)
	}
	if status == job.StatusFailed {
		os.Exit(1)
	}
}

func run() (job.Status, error) {
	env := bootstrap.Environ()
	if !bootstrap.IsExecutor(env) {
		return "", errors.New("not launched as an executor: JOB_BOOT_MODE is not EXECUTOR")
	}

	// Decrypt and publish secrets into our own environment for the task body
	boot, err := bootstrap.Load(env, os.Setenv)
	if err != nil {
		return "", err
	}

	runner := bootstrap.NewRunner(boot, bootstrap.LoadConfigFromEnv(), bootstrap.NewRegistry())

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			slog.Info("Received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	status, err := runner.Run(ctx)
	if status == job.StatusFailed {
		// Already reported to the controller; exit status carries it.
		return status, nil
	}
	return status, err
}

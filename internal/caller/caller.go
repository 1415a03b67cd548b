// Package caller drives executors through start, stop, modify and destroy
// on one of two backends: a local OS process or a Kubernetes pod.
//
// The persisted job record is the only coordination point. Every status
// change is a conditional update keyed by the expected prior status, so
// concurrent callers on different controllers converge without locks.
package caller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/environment"
	"jobctl/internal/events"
	"jobctl/internal/executor"
	"jobctl/internal/job"
	"jobctl/internal/observability"
)

// destroyDecision is a backend's verdict on an executor that still exists.
type destroyDecision int

const (
	// destroyNow: mark destroyed, then delete.
	destroyNow destroyDecision = iota
	// destroyDeferred: not yet; a later call will decide again.
	destroyDeferred
	// destroyAbandon: the executor cannot be reached. Fail the job and
	// treat the executor as destroyed without touching it.
	destroyAbandon
)

// Destroy outcomes reported in events and metrics.
const (
	outcomeDestroyed = "destroyed"
	outcomeAbsent    = "absent"
	outcomeDeferred  = "deferred"
	outcomeAbandoned = "abandoned"
	outcomeFailed    = "failed"
	outcomeOrphan    = "orphan"
)

// backend is implemented by exactly two types: processBackend and podBackend.
type backend interface {
	runMode() job.RunMode
	// validate reports missing or invalid configuration as a fatal error.
	validate() error
	// doStart creates the executor. On error nothing is left running.
	doStart(ctx context.Context, rec *job.Record, name string, env map[string]string) (executor.Identifier, error)
	isExecutorExist(ctx context.Context, id executor.Identifier) (bool, error)
	checkDestroy(ctx context.Context, rec *job.Record, id executor.Identifier) (destroyDecision, error)
	doDestroy(ctx context.Context, id executor.Identifier) error
	ready(ctx context.Context) error
	// listExecutors returns the live executors this controller can reach,
	// each with the job it was started for.
	listExecutors(ctx context.Context) ([]liveExecutor, error)
	// sameExecutor reports whether found is the executor recorded as recorded.
	sameExecutor(recorded, found executor.Identifier) bool
}

type liveExecutor struct {
	jobID job.Identity
	ident executor.Identifier
}

// Deps are the collaborators shared by both backends.
type Deps struct {
	Store     job.RecordStore
	Builder   *environment.Builder
	Encryptor *environment.Encryptor // default: AES-GCM
	Keys      environment.KeySource  // default: crypto/rand
	Control   ExecutorControl        // default: HTTP with Config.StopTimeout
	Publisher events.Publisher       // default: structured log
	Metrics   *observability.Metrics // may be nil
	Config    Config
}

// BaseCaller implements job.Caller over a backend.
type BaseCaller struct {
	backend   backend
	store     job.RecordStore
	builder   *environment.Builder
	encryptor *environment.Encryptor
	keys      environment.KeySource
	control   ExecutorControl
	publisher events.Publisher
	metrics   *observability.Metrics
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

func newBaseCaller(b backend, d Deps) *BaseCaller {
	d.Config = d.Config.withDefaults()
	if d.Builder == nil {
		d.Builder = environment.NewBuilder(environment.Settings{})
	}
	if d.Encryptor == nil {
		d.Encryptor = environment.NewEncryptor()
	}
	if d.Keys == nil {
		d.Keys = environment.RandomKeySource{}
	}
	if d.Control == nil {
		d.Control = NewHTTPExecutorControl(d.Config.StopTimeout)
	}
	if d.Publisher == nil {
		d.Publisher = events.NewLogPublisher()
	}
	return &BaseCaller{
		backend:   b,
		store:     d.Store,
		builder:   d.Builder,
		encryptor: d.Encryptor,
		keys:      d.Keys,
		control:   d.Control,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		config:    d.Config,
		logger:    slog.With("component", "caller", "runMode", b.runMode()),
		now:       time.Now,
	}
}

// RunMode implements job.Caller.
func (c *BaseCaller) RunMode() job.RunMode {
	return c.backend.runMode()
}

// Start implements job.Caller.
func (c *BaseCaller) Start(ctx context.Context, jc job.Context) (err error) {
	id := jc.Identity()
	mode := c.backend.runMode()
	logger := c.logger.With("jobId", id)
	began := c.now()

	var ident executor.Identifier
	defer func() {
		e := events.New(events.TypeStart, id, mode, err)
		if ident != nil {
			e.Executor = ident.Encode()
		}
		c.publisher.Publish(ctx, e)
		c.metrics.RecordExecutorStarted(ctx, string(mode), err == nil, c.now().Sub(began).Seconds())
	}()

	if err := c.backend.validate(); err != nil {
		return err
	}

	rec, err := c.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != job.StatusStarting {
		return apperrors.Conflict("job", id.String(), fmt.Sprintf("expected status %s, got %s", job.StatusStarting, rec.Status))
	}

	name := executor.NewName(id, rec.CreatedAt)
	keys, err := c.keys.NewKeys()
	if err != nil {
		return err
	}
	plain, err := c.builder.Build(mode, jc, name)
	if err != nil {
		return err
	}
	env, err := c.encryptor.Encrypt(plain, keys)
	if err != nil {
		return err
	}

	ident, err = c.backend.doStart(ctx, rec, name, env)
	if err != nil {
		return err
	}
	logger = logger.With("executor", ident.Encode())

	// From here on an executor exists; any failure must try to remove it.
	success := false
	defer func() {
		if !success {
			c.compensate(ctx, logger, ident)
		}
	}()

	rows, err := c.store.UpdateStatusConditionally(ctx, id, job.StatusStarting, job.StatusRunning, "")
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.Conflict("job", id.String(), "status changed while the executor was starting")
	}

	if err := c.store.RecordExecutorIdentifier(ctx, id, ident.Encode(), c.now()); err != nil {
		// The job must not stay RUNNING with no executor on record.
		if _, uerr := c.store.UpdateStatusConditionally(ctx, id, job.StatusRunning, job.StatusFailed, "failed to record executor identifier"); uerr != nil {
			logger.Warn("Failed to mark job failed", "error", uerr)
		}
		return err
	}

	success = true
	logger.Info("Executor started")
	return nil
}

// compensate destroys an executor created by a start that then failed.
// Errors are logged with the identifier and never returned. The record is
// left alone since its identifier, if any, belongs to another start.
func (c *BaseCaller) compensate(ctx context.Context, logger *slog.Logger, ident executor.Identifier) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CompensationTimeout)
	defer cancel()

	mode := string(c.backend.runMode())
	if err := c.backend.doDestroy(ctx, ident); err != nil {
		c.metrics.RecordCompensation(ctx, mode, false)
		logger.Error("Compensating destroy failed, executor orphaned", "error", err)
		return
	}
	c.metrics.RecordCompensation(ctx, mode, true)
	logger.Info("Compensating destroy succeeded")
}

// Stop implements job.Caller.
func (c *BaseCaller) Stop(ctx context.Context, id job.Identity) (err error) {
	mode := c.backend.runMode()
	logger := c.logger.With("jobId", id)

	rec, err := c.store.Find(ctx, id)
	if err != nil {
		return err
	}

	if rec.ExecutorEndpoint == "" {
		if _, err := c.store.UpdateStatusConditionally(ctx, id, job.StatusCanceling, job.StatusCanceled, "stopped before executor reported"); err != nil {
			return err
		}
		logger.Info("Job has no executor endpoint, treating as stopped")
		c.publisher.Publish(ctx, events.New(events.TypeStop, id, mode, nil))
		c.metrics.RecordExecutorStopped(ctx, string(mode), true)
		return nil
	}

	if err := c.control.Stop(ctx, rec.ExecutorEndpoint, id); err != nil {
		logger.Error("Executor stop failed", "endpoint", rec.ExecutorEndpoint, "error", err)
		c.publisher.Publish(ctx, events.New(events.TypeStop, id, mode, err))
		c.metrics.RecordExecutorStopped(ctx, string(mode), false)
		return err
	}

	rows, err := c.store.UpdateStatusConditionally(ctx, id, job.StatusCanceling, job.StatusCanceled, "stopped by executor")
	if err != nil {
		return err
	}
	if rows == 0 {
		logger.Info("Executor acknowledged stop, status already moved on")
		return nil
	}

	logger.Info("Executor stopped")
	c.publisher.Publish(ctx, events.New(events.TypeStop, id, mode, nil))
	c.metrics.RecordExecutorStopped(ctx, string(mode), true)
	return nil
}

// Modify implements job.Caller.
func (c *BaseCaller) Modify(ctx context.Context, id job.Identity, parameters map[string]string) (err error) {
	mode := c.backend.runMode()
	defer func() {
		c.publisher.Publish(ctx, events.New(events.TypeModify, id, mode, err))
	}()

	rec, err := c.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if rec.ExecutorEndpoint == "" {
		return apperrors.Conflict("job", id.String(), "executor endpoint is not known yet")
	}
	return c.control.Modify(ctx, rec.ExecutorEndpoint, id, parameters)
}

// Destroy implements job.Caller.
func (c *BaseCaller) Destroy(ctx context.Context, id job.Identity) error {
	mode := c.backend.runMode()
	logger := c.logger.With("jobId", id)

	rec, err := c.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if rec.ExecutorIdentifier == "" || rec.ExecutorDestroyed() {
		return nil
	}
	logger = logger.With("executor", rec.ExecutorIdentifier)

	publish := func(outcome string, err error) {
		e := events.New(events.TypeDestroy, id, mode, err)
		e.Executor = rec.ExecutorIdentifier
		e.Outcome = outcome
		c.publisher.Publish(ctx, e)
		c.metrics.RecordExecutorDestroyed(ctx, string(mode), outcome)
	}
	fail := func(err error) error {
		logger.Error("Executor destroy failed", "error", err)
		publish(outcomeFailed, err)
		return err
	}

	recMode := rec.RunMode
	if recMode == "" {
		recMode = mode
	}
	if recMode != mode {
		return fail(apperrors.Fatal("caller.destroy", fmt.Sprintf("job runs in %s mode, this caller is %s", recMode, mode)))
	}
	ident, err := executor.Decode(recMode, rec.ExecutorIdentifier)
	if err != nil {
		return fail(err)
	}

	exists, err := c.backend.isExecutorExist(ctx, ident)
	if err != nil {
		return fail(err)
	}
	if !exists {
		if err := c.store.MarkExecutorDestroyed(ctx, id, c.now()); err != nil {
			return fail(err)
		}
		logger.Info("Executor already gone, marked destroyed")
		publish(outcomeAbsent, nil)
		return nil
	}

	decision, err := c.backend.checkDestroy(ctx, rec, ident)
	if err != nil {
		return fail(err)
	}

	switch decision {
	case destroyDeferred:
		logger.Info("Executor destroy deferred")
		publish(outcomeDeferred, nil)
		return nil

	case destroyAbandon:
		if !rec.Status.IsTerminated() {
			if _, err := c.store.UpdateStatusConditionally(ctx, id, rec.Status, job.StatusFailed, "executor host unreachable"); err != nil {
				return fail(err)
			}
		}
		if err := c.store.MarkExecutorDestroyed(ctx, id, c.now()); err != nil {
			return fail(err)
		}
		logger.Warn("Executor host unreachable, job failed and executor abandoned")
		publish(outcomeAbandoned, nil)
		return nil
	}

	// Marked first: a crash before the physical destroy leaves an orphan
	// for ReapOrphans rather than a job that looks alive.
	if err := c.store.MarkExecutorDestroyed(ctx, id, c.now()); err != nil {
		return fail(err)
	}
	if err := c.backend.doDestroy(ctx, ident); err != nil {
		return fail(err)
	}
	logger.Info("Executor destroyed")
	publish(outcomeDestroyed, nil)
	return nil
}

// ReapOrphans destroys live executors that no job record owns: executors of
// starts whose compensation failed, and executors left running after their
// record was marked destroyed. An executor is left alone while its job may
// still be starting or when its job is unknown to this store. It returns the
// number of executors destroyed; per-executor failures are logged and skipped.
func (c *BaseCaller) ReapOrphans(ctx context.Context) (int, error) {
	mode := c.backend.runMode()
	found, err := c.backend.listExecutors(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, live := range found {
		if ctx.Err() != nil {
			break
		}
		logger := c.logger.With("jobId", live.jobID, "executor", live.ident.Encode())

		rec, err := c.store.Find(ctx, live.jobID)
		if err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				logger.Warn("Cannot load job of live executor", "error", err)
			}
			continue
		}
		if !c.isOrphan(rec, live.ident) {
			continue
		}

		err = c.backend.doDestroy(ctx, live.ident)
		outcome := outcomeOrphan
		if err != nil {
			outcome = outcomeFailed
			logger.Error("Orphaned executor destroy failed", "error", err)
		} else {
			logger.Info("Orphaned executor destroyed", "status", rec.Status)
			reaped++
		}
		e := events.New(events.TypeDestroy, live.jobID, mode, err)
		e.Executor = live.ident.Encode()
		e.Outcome = outcome
		c.publisher.Publish(ctx, e)
		c.metrics.RecordExecutorDestroyed(ctx, string(mode), outcome)
	}
	return reaped, nil
}

func (c *BaseCaller) isOrphan(rec *job.Record, found executor.Identifier) bool {
	if rec.RunMode != "" && rec.RunMode != c.backend.runMode() {
		return false
	}
	if rec.ExecutorIdentifier == "" {
		// Only a final status rules out a start still in flight.
		return rec.Status.IsTerminated()
	}
	recorded, err := executor.Decode(c.backend.runMode(), rec.ExecutorIdentifier)
	if err != nil {
		return false
	}
	if !c.backend.sameExecutor(recorded, found) {
		return true
	}
	return rec.ExecutorDestroyed()
}

// CanBeFinish implements job.Caller.
func (c *BaseCaller) CanBeFinish(ctx context.Context, id job.Identity) bool {
	logger := c.logger.With("jobId", id)

	rec, err := c.store.Find(ctx, id)
	if err != nil {
		logger.Warn("Cannot load job, not finishable", "error", err)
		return false
	}
	if rec.ExecutorIdentifier == "" || rec.ExecutorDestroyed() {
		return true
	}
	ident, err := executor.Decode(c.backend.runMode(), rec.ExecutorIdentifier)
	if err != nil {
		logger.Warn("Cannot decode executor identifier, not finishable", "error", err)
		return false
	}
	exists, err := c.backend.isExecutorExist(ctx, ident)
	if err != nil {
		logger.Warn("Executor state unknown, not finishable", "error", err)
		return false
	}
	return !exists
}

// Ready implements job.Caller.
func (c *BaseCaller) Ready(ctx context.Context) error {
	if err := c.backend.validate(); err != nil {
		return err
	}
	return c.backend.ready(ctx)
}

var _ job.Caller = (*BaseCaller)(nil)

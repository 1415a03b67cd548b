// Package sweeper periodically destroys executors of jobs that reached a
// final status but whose executor was never marked destroyed: deferred
// pods, failed destroys and controllers that crashed mid-destroy. When the
// caller can list its live executors it also reaps the ones no record owns.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"jobctl/internal/config"
	"jobctl/internal/job"
	"jobctl/internal/observability"
)

// Config controls sweep cadence.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// LoadConfigFromEnv loads sweeper configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Interval:  config.GetDurationEnv("SWEEP_INTERVAL", time.Minute),
		BatchSize: config.GetIntEnv("SWEEP_BATCH_SIZE", 100),
	}
}

// OrphanReaper destroys live executors that no job record owns.
// *caller.BaseCaller implements it.
type OrphanReaper interface {
	ReapOrphans(ctx context.Context) (int, error)
}

// Sweeper destroys leftover executors.
type Sweeper struct {
	repo    job.Repository
	caller  job.Caller
	reaper  OrphanReaper // nil when the caller cannot list executors
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Sweeper. metrics may be nil.
func New(repo job.Repository, caller job.Caller, cfg Config, metrics *observability.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	reaper, _ := caller.(OrphanReaper)
	return &Sweeper{
		repo:    repo,
		caller:  caller,
		reaper:  reaper,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "sweeper", "runMode", caller.RunMode()),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", "interval", s.cfg.Interval, "batchSize", s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce destroys one batch, then reaps orphans, and returns how many
// executors were destroyed. A failure on one job never stops the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	began := time.Now()
	recs, err := s.repo.ListUndestroyed(ctx, job.TerminatedStatuses(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	mode := s.caller.RunMode()
	destroyed := 0
	for _, candidate := range recs {
		if ctx.Err() != nil {
			break
		}
		if candidate.RunMode != "" && candidate.RunMode != mode {
			continue
		}
		logger := s.logger.With("jobId", candidate.ID)

		// The batch may be stale; another controller could have moved or
		// destroyed the job since the listing.
		rec, err := s.repo.Find(ctx, candidate.ID)
		if err != nil {
			logger.Warn("Cannot reload job", "error", err)
			continue
		}
		if !rec.Status.IsTerminated() || rec.ExecutorDestroyed() {
			continue
		}

		if err := s.caller.Destroy(ctx, rec.ID); err != nil {
			logger.Error("Sweep destroy failed", "status", rec.Status, "error", err)
			continue
		}
		if after, err := s.repo.Find(ctx, rec.ID); err == nil && after.ExecutorDestroyed() {
			destroyed++
		}
	}

	reaped := 0
	if s.reaper != nil && ctx.Err() == nil {
		if reaped, err = s.reaper.ReapOrphans(ctx); err != nil {
			s.logger.Warn("Orphan reap failed", "error", err)
		}
	}

	s.metrics.RecordSweep(ctx, destroyed+reaped, time.Since(began).Seconds())
	if len(recs) > 0 || reaped > 0 {
		s.logger.Info("Sweep complete", "candidates", len(recs), "destroyed", destroyed, "orphansReaped", reaped)
	}
	return destroyed + reaped, nil
}

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"jobctl/internal/apperrors"
)

// Validation limits
const (
	maxJobClassLength  = 128
	maxPropertyEntries = 64
	maxParameterCount  = 256
	maxKeyLength       = 128
	maxValueLength     = 64 * 1024
)

// jobClassPattern allows dotted identifiers such as "partition.plan".
var jobClassPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// Service is the controller's entry point for job lifecycle requests.
//
// It performs the scheduler-side status transitions (PENDING to STARTING,
// RUNNING to CANCELING, RUNNING to a final state) and delegates executor
// work to the configured Caller. It holds no per-job state.
type Service struct {
	store  Repository
	caller Caller
	now    func() time.Time
}

// NewService creates a new job service.
func NewService(store Repository, caller Caller) *Service {
	return &Service{
		store:  store,
		caller: caller,
		now:    time.Now,
	}
}

// Start registers the job if needed, moves it to STARTING and launches its executor.
// A failed launch moves the job to FAILED so the destroy sweep can reap
// anything the compensating destroy left behind.
func (s *Service) Start(ctx context.Context, id Identity, req *StartRequest) (*Response, error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}

	logger := slog.With("jobId", id, "runMode", s.caller.RunMode(), "jobClass", req.JobClass)

	now := s.now()
	err := s.store.Create(ctx, &Record{
		ID:        id,
		Status:    StatusPending,
		RunMode:   s.caller.RunMode(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, apperrors.ErrConflict) {
		return nil, err
	}

	rows, err := s.store.UpdateStatusConditionally(ctx, id, StatusPending, StatusStarting, "")
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, apperrors.Conflict("job", id.String(), "job is not pending")
	}

	jc := NewContext(id, req.JobClass, req.Properties, req.Parameters)
	if err := s.caller.Start(ctx, jc); err != nil {
		logger.Error("Job failed to start", "error", err)
		if _, uerr := s.store.UpdateStatusConditionally(ctx, id, StatusStarting, StatusFailed, truncate(err.Error())); uerr != nil {
			logger.Warn("Failed to mark job failed", "error", uerr)
		}
		return nil, err
	}

	logger.Info("Job started")
	return &Response{ID: id, Status: StatusRunning}, nil
}

// Stop requests cancellation of a running job. Stopping a job that has
// already terminated returns its current status.
func (s *Service) Stop(ctx context.Context, id Identity) (*Response, error) {
	logger := slog.With("jobId", id)

	rows, err := s.store.UpdateStatusConditionally(ctx, id, StatusRunning, StatusCanceling, "stop requested")
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		rec, err := s.store.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case rec.Status.IsTerminated():
			return &Response{ID: id, Status: rec.Status}, nil
		case rec.Status != StatusCanceling:
			return nil, apperrors.Conflict("job", id.String(), fmt.Sprintf("cannot stop job in status %s", rec.Status))
		}
	}

	if err := s.caller.Stop(ctx, id); err != nil {
		logger.Error("Job stop failed", "error", err)
		return nil, err
	}

	rec, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Info("Job stop requested", "status", rec.Status)
	return &Response{ID: id, Status: rec.Status}, nil
}

// Modify forwards new parameters to the job's executor.
func (s *Service) Modify(ctx context.Context, id Identity, req *ModifyRequest) error {
	if err := validateMap("jobParameters", req.Parameters, maxParameterCount); err != nil {
		return err
	}
	if err := s.caller.Modify(ctx, id, req.Parameters); err != nil {
		slog.Error("Job modify failed", "jobId", id, "error", err)
		return err
	}
	return nil
}

// Destroy removes the job's executor.
func (s *Service) Destroy(ctx context.Context, id Identity) error {
	return s.caller.Destroy(ctx, id)
}

// Finishable reports whether the job's executor is known to be gone.
func (s *Service) Finishable(ctx context.Context, id Identity) (*FinishableResponse, error) {
	if _, err := s.store.Find(ctx, id); err != nil {
		return nil, err
	}
	return &FinishableResponse{ID: id, Finishable: s.caller.CanBeFinish(ctx, id)}, nil
}

// Get returns the job record.
func (s *Service) Get(ctx context.Context, id Identity) (*Record, error) {
	return s.store.Find(ctx, id)
}

// Heartbeat records the control endpoint advertised by an executor.
func (s *Service) Heartbeat(ctx context.Context, id Identity, req *HeartbeatRequest) error {
	if err := validateURL(req.Endpoint); err != nil {
		return apperrors.Validation("endpoint", fmt.Sprintf("invalid executor endpoint: %v", err))
	}
	return s.store.RecordExecutorEndpoint(ctx, id, req.Endpoint)
}

// Finish records the final status reported by an executor whose task returned.
func (s *Service) Finish(ctx context.Context, id Identity, req *FinishRequest) (*Response, error) {
	if req.Status != StatusDone && req.Status != StatusFailed {
		return nil, apperrors.Validation("status", "status must be DONE or FAILED")
	}
	rows, err := s.store.UpdateStatusConditionally(ctx, id, StatusRunning, req.Status, truncate(req.Description))
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, apperrors.Conflict("job", id.String(), "job is not running")
	}
	slog.Info("Job finished", "jobId", id, "status", req.Status)
	return &Response{ID: id, Status: req.Status}, nil
}

func validateStart(req *StartRequest) error {
	if req.JobClass == "" {
		return apperrors.Validation("jobClass", "job class is required")
	}
	if len(req.JobClass) > maxJobClassLength {
		return apperrors.Validation("jobClass", fmt.Sprintf("job class exceeds maximum length of %d", maxJobClassLength))
	}
	if !jobClassPattern.MatchString(req.JobClass) {
		return apperrors.Validation("jobClass", "job class must start with a letter and contain only letters, digits, '.', '_' or '-'")
	}
	if err := validateMap("jobProperties", req.Properties, maxPropertyEntries); err != nil {
		return err
	}
	return validateMap("jobParameters", req.Parameters, maxParameterCount)
}

func validateMap(field string, m map[string]string, maxEntries int) error {
	if len(m) > maxEntries {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum of %d entries", field, maxEntries))
	}
	for k, v := range m {
		if k == "" {
			return apperrors.Validation(field, fmt.Sprintf("%s keys must not be empty", field))
		}
		if len(k) > maxKeyLength {
			return apperrors.Validation(field, fmt.Sprintf("%s key exceeds maximum length of %d", field, maxKeyLength))
		}
		if len(v) > maxValueLength {
			return apperrors.Validation(field, fmt.Sprintf("%s value exceeds maximum length of %d", field, maxValueLength))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// truncate keeps descriptions within the record column size.
func truncate(s string) string {
	const maxDescription = 512
	if len(s) <= maxDescription {
		return s
	}
	return s[:maxDescription]
}

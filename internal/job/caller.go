// Package job defines the job data model and the contracts between the
// lifecycle callers and the persisted job record.
package job

import (
	"context"
	"time"
)

// RecordStore is the narrow view of job persistence used by callers.
//
// Every status change goes through UpdateStatusConditionally, which only
// applies when the current status equals expected and reports the number
// of rows it changed. Zero rows means another actor got there first.
type RecordStore interface {
	// Find returns the record or an apperrors.ErrNotFound error.
	Find(ctx context.Context, id Identity) (*Record, error)

	UpdateStatusConditionally(ctx context.Context, id Identity, expected, next Status, description string) (int64, error)

	// RecordExecutorIdentifier stores the encoded executor identifier and start time.
	RecordExecutorIdentifier(ctx context.Context, id Identity, identifier string, startedAt time.Time) error

	RecordExecutorEndpoint(ctx context.Context, id Identity, endpoint string) error

	// MarkExecutorDestroyed is idempotent: a second call keeps the first timestamp.
	MarkExecutorDestroyed(ctx context.Context, id Identity, at time.Time) error
}

// Repository is the full store used by the controller.
type Repository interface {
	RecordStore

	// Create inserts a PENDING record. Returns apperrors.ErrConflict if it exists.
	Create(ctx context.Context, rec *Record) error

	// ListUndestroyed returns up to limit records in one of statuses whose
	// executor is recorded but not yet marked destroyed, oldest first.
	ListUndestroyed(ctx context.Context, statuses []Status, limit int) ([]Record, error)

	Ping(ctx context.Context) error
	Close() error
}

// Caller drives an executor through its lifecycle on one backend.
//
// All methods are safe to call concurrently for the same job: the only
// coordination is the conditional update on the job record.
type Caller interface {
	RunMode() RunMode

	// Start launches an executor for a job already in STARTING and moves it to
	// RUNNING. A failure after the executor was created triggers a
	// best-effort destroy of that executor before the error is returned.
	Start(ctx context.Context, jc Context) error

	// Stop asks the executor to stop and moves CANCELING to CANCELED.
	// A job with no executor endpoint is treated as already stopped.
	Stop(ctx context.Context, id Identity) error

	// Modify forwards replacement parameters to a running executor.
	Modify(ctx context.Context, id Identity, parameters map[string]string) error

	// Destroy removes the executor. Repeated calls are no-ops.
	Destroy(ctx context.Context, id Identity) error

	// CanBeFinish reports whether the executor is known to be gone.
	// Unknown state yields false.
	CanBeFinish(ctx context.Context, id Identity) bool

	// Ready checks the backend is usable.
	Ready(ctx context.Context) error
}

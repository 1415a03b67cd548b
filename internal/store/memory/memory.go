// Package memory provides an in-memory job record store for tests and
// single-node development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// Store holds job records with thread-safe access.
type Store struct {
	mu      sync.RWMutex
	records map[job.Identity]*job.Record
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[job.Identity]*job.Record),
		now:     time.Now,
	}
}

// Create inserts a record. Returns a conflict error if the id exists.
func (s *Store) Create(_ context.Context, rec *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return apperrors.Conflict("job", rec.ID.String(), "job already exists")
	}
	cp := *rec
	if cp.Status == "" {
		cp.Status = job.StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.records[rec.ID] = &cp
	return nil
}

// Find returns a copy of the record.
func (s *Store) Find(_ context.Context, id job.Identity) (*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, apperrors.NotFound("job", id.String())
	}
	cp := *rec
	return &cp, nil
}

// UpdateStatusConditionally sets next only if the current status is expected.
func (s *Store) UpdateStatusConditionally(_ context.Context, id job.Identity, expected, next job.Status, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != expected {
		return 0, nil
	}
	rec.Status = next
	if description != "" {
		rec.Description = description
	}
	rec.UpdatedAt = s.now()
	return 1, nil
}

// RecordExecutorIdentifier stores the encoded identifier and start time.
func (s *Store) RecordExecutorIdentifier(_ context.Context, id job.Identity, identifier string, startedAt time.Time) error {
	return s.update(id, func(rec *job.Record) {
		rec.ExecutorIdentifier = identifier
		rec.StartedAt = startedAt
	})
}

// RecordExecutorEndpoint stores the executor control endpoint.
func (s *Store) RecordExecutorEndpoint(_ context.Context, id job.Identity, endpoint string) error {
	return s.update(id, func(rec *job.Record) {
		rec.ExecutorEndpoint = endpoint
	})
}

// MarkExecutorDestroyed sets the destroyed timestamp once.
func (s *Store) MarkExecutorDestroyed(_ context.Context, id job.Identity, at time.Time) error {
	return s.update(id, func(rec *job.Record) {
		if rec.ExecutorDestroyedAt.IsZero() {
			rec.ExecutorDestroyedAt = at
		}
	})
}

// ListUndestroyed returns records in one of statuses whose executor is
// recorded but not marked destroyed, oldest first.
func (s *Store) ListUndestroyed(_ context.Context, statuses []job.Status, limit int) ([]job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Record
	for _, rec := range s.records {
		if rec.ExecutorIdentifier == "" || rec.ExecutorDestroyed() || !slices.Contains(statuses, rec.Status) {
			continue
		}
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b job.Record) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) update(id job.Identity, fn func(*job.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return apperrors.NotFound("job", id.String())
	}
	fn(rec)
	rec.UpdatedAt = s.now()
	return nil
}

var _ job.Repository = (*Store)(nil)

// Package storetest runs the same behavioural checks against every
// job.Repository implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) job.Repository) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newRepo(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newRepo(t)) })
	t.Run("SingleWinner", func(t *testing.T) { testSingleWinner(t, newRepo(t)) })
	t.Run("ExecutorFields", func(t *testing.T) { testExecutorFields(t, newRepo(t)) })
	t.Run("ListUndestroyed", func(t *testing.T) { testListUndestroyed(t, newRepo(t)) })
}

func testCreateAndFind(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.Create(ctx, &job.Record{ID: 1, RunMode: job.RunModeK8s, CreatedAt: created}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repo.Create(ctx, &job.Record{ID: 1})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("duplicate Create err = %v, want conflict", err)
	}

	rec, err := repo.Find(ctx, 1)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if rec.Status != job.StatusPending || rec.RunMode != job.RunModeK8s {
		t.Errorf("record = %+v", rec)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, created)
	}
	if rec.ExecutorDestroyed() || !rec.StartedAt.IsZero() {
		t.Errorf("new record has executor state: %+v", rec)
	}

	if _, err := repo.Find(ctx, 2); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Find missing err = %v, want not found", err)
	}
}

func testConditionalUpdate(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	if err := repo.Create(ctx, &job.Record{ID: 1}); err != nil {
		t.Fatal(err)
	}

	rows, err := repo.UpdateStatusConditionally(ctx, 1, job.StatusRunning, job.StatusDone, "")
	if err != nil || rows != 0 {
		t.Fatalf("mismatched update = %d, %v; want 0 rows", rows, err)
	}
	rows, err = repo.UpdateStatusConditionally(ctx, 1, job.StatusPending, job.StatusStarting, "")
	if err != nil || rows != 1 {
		t.Fatalf("matching update = %d, %v; want 1 row", rows, err)
	}
	rows, err = repo.UpdateStatusConditionally(ctx, 1, job.StatusStarting, job.StatusFailed, "boom")
	if err != nil || rows != 1 {
		t.Fatalf("update = %d, %v", rows, err)
	}
	// An empty description keeps the previous one.
	if _, err := repo.UpdateStatusConditionally(ctx, 1, job.StatusFailed, job.StatusFailed, ""); err != nil {
		t.Fatal(err)
	}

	rec, err := repo.Find(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != job.StatusFailed || rec.Description != "boom" {
		t.Errorf("record = %+v", rec)
	}

	rows, err = repo.UpdateStatusConditionally(ctx, 99, job.StatusPending, job.StatusStarting, "")
	if err != nil || rows != 0 {
		t.Errorf("missing job update = %d, %v; want 0 rows", rows, err)
	}
}

func testSingleWinner(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	if err := repo.Create(ctx, &job.Record{ID: 1, Status: job.StatusStarting}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var wins atomic.Int64
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := repo.UpdateStatusConditionally(ctx, 1, job.StatusStarting, job.StatusRunning, "")
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			wins.Add(rows)
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("rows affected across callers = %d, want 1", wins.Load())
	}
}

func testExecutorFields(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	if err := repo.Create(ctx, &job.Record{ID: 1}); err != nil {
		t.Fatal(err)
	}
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first := started.Add(time.Minute)

	if err := repo.RecordExecutorIdentifier(ctx, 1, "10.0.0.1|null|job-1-x|42", started); err != nil {
		t.Fatalf("RecordExecutorIdentifier: %v", err)
	}
	if err := repo.RecordExecutorEndpoint(ctx, 1, "http://10.0.0.1:9000"); err != nil {
		t.Fatalf("RecordExecutorEndpoint: %v", err)
	}
	if err := repo.MarkExecutorDestroyed(ctx, 1, first); err != nil {
		t.Fatalf("MarkExecutorDestroyed: %v", err)
	}
	if err := repo.MarkExecutorDestroyed(ctx, 1, first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkExecutorDestroyed: %v", err)
	}

	rec, err := repo.Find(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExecutorIdentifier != "10.0.0.1|null|job-1-x|42" || rec.ExecutorEndpoint != "http://10.0.0.1:9000" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", rec.StartedAt, started)
	}
	if !rec.ExecutorDestroyedAt.Equal(first) {
		t.Errorf("ExecutorDestroyedAt = %v, want first mark %v", rec.ExecutorDestroyedAt, first)
	}

	if err := repo.MarkExecutorDestroyed(ctx, 99, first); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("mark missing err = %v, want not found", err)
	}
}

func testListUndestroyed(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	seed := []struct {
		id        job.Identity
		status    job.Status
		ident     string
		destroyed bool
	}{
		{1, job.StatusDone, "a", false},
		{2, job.StatusFailed, "b", false},
		{3, job.StatusRunning, "c", false},
		{4, job.StatusDone, "", false},
		{5, job.StatusCanceled, "e", true},
		{6, job.StatusCanceled, "f", false},
	}
	for _, s := range seed {
		if err := repo.Create(ctx, &job.Record{ID: s.id, Status: s.status}); err != nil {
			t.Fatal(err)
		}
		if s.ident != "" {
			if err := repo.RecordExecutorIdentifier(ctx, s.id, s.ident, time.Now()); err != nil {
				t.Fatal(err)
			}
		}
		if s.destroyed {
			if err := repo.MarkExecutorDestroyed(ctx, s.id, time.Now()); err != nil {
				t.Fatal(err)
			}
		}
		// Distinct update times give a stable order.
		time.Sleep(2 * time.Millisecond)
	}

	got, err := repo.ListUndestroyed(ctx, job.TerminatedStatuses(), 0)
	if err != nil {
		t.Fatalf("ListUndestroyed: %v", err)
	}
	var ids []job.Identity
	for _, rec := range got {
		ids = append(ids, rec.ID)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 6 {
		t.Errorf("ids = %v, want [1 2 6]", ids)
	}

	got, err = repo.ListUndestroyed(ctx, job.TerminatedStatuses(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("limited list has %d records, want 2", len(got))
	}
}

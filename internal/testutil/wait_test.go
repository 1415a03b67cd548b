package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"jobctl/internal/job"
	"jobctl/internal/store/memory"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		succeedAt int64
		want      bool
	}{
		{"immediate", 1, true},
		{"eventual", 3, true},
		{"never", 1 << 40, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			got := WaitFor(t, func() bool {
				return calls.Add(1) >= tt.succeedAt
			}, WithTimeout(100*time.Millisecond), WithInterval(5*time.Millisecond))
			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v after %d calls", got, tt.want, calls.Load())
			}
		})
	}
}

func TestMustWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for range 3 {
			time.Sleep(5 * time.Millisecond)
			counter.Add(1)
		}
	}()

	MustWaitForCount(t, &counter, 3, WithTimeout(time.Second), WithInterval(time.Millisecond))
}

func TestMustWaitForRecord(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	if err := store.Create(ctx, &job.Record{ID: 1, Status: job.StatusRunning}); err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(10*time.Millisecond, func() {
		_, _ = store.UpdateStatusConditionally(ctx, 1, job.StatusRunning, job.StatusDone, "")
	})

	rec := MustWaitForRecord(t, store, 1, StatusIs(job.StatusDone), WithTimeout(time.Second))
	if rec.Status != job.StatusDone {
		t.Errorf("Status = %s", rec.Status)
	}
}

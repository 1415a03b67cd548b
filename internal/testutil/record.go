package testutil

import (
	"context"
	"testing"

	"jobctl/internal/job"
)

// MustWaitForRecord fails the test unless the job record satisfies cond in
// time. Lookup errors count as not yet satisfied.
func MustWaitForRecord(tb testing.TB, store job.RecordStore, id job.Identity, cond func(*job.Record) bool, opts ...WaitOption) *job.Record {
	tb.Helper()
	var last *job.Record
	ok := WaitFor(tb, func() bool {
		rec, err := store.Find(context.Background(), id)
		if err != nil {
			return false
		}
		last = rec
		return cond(rec)
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for job %d (last seen: %+v)", id, last)
	}
	return last
}

// StatusIs matches records in the given status.
func StatusIs(s job.Status) func(*job.Record) bool {
	return func(r *job.Record) bool { return r.Status == s }
}

// ExecutorDestroyed matches records whose executor has been marked destroyed.
func ExecutorDestroyed(r *job.Record) bool { return r.ExecutorDestroyed() }

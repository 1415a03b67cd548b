package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"jobctl/internal/apperrors"
	"jobctl/internal/caller"
	"jobctl/internal/job"
	"jobctl/internal/k8s"
	"jobctl/internal/store/memory"
	"jobctl/internal/testutil"
)

// fakeCaller marks executors destroyed unless told to fail or defer.
type fakeCaller struct {
	store   job.RecordStore
	fail    map[job.Identity]bool
	deferID map[job.Identity]bool

	mu        sync.Mutex
	destroyed []job.Identity
}

func (f *fakeCaller) RunMode() job.RunMode                                          { return job.RunModeK8s }
func (f *fakeCaller) Start(context.Context, job.Context) error                      { return nil }
func (f *fakeCaller) Stop(context.Context, job.Identity) error                      { return nil }
func (f *fakeCaller) Modify(context.Context, job.Identity, map[string]string) error { return nil }
func (f *fakeCaller) CanBeFinish(context.Context, job.Identity) bool                { return false }
func (f *fakeCaller) Ready(context.Context) error                                   { return nil }

func (f *fakeCaller) Destroy(ctx context.Context, id job.Identity) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, id)
	f.mu.Unlock()
	if f.fail[id] {
		return errors.New("delete failed")
	}
	if f.deferID[id] {
		return nil
	}
	return f.store.MarkExecutorDestroyed(ctx, id, time.Now())
}

func (f *fakeCaller) calls() []job.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Identity(nil), f.destroyed...)
}

func seed(t *testing.T, store *memory.Store, id job.Identity, status job.Status, mode job.RunMode) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, &job.Record{ID: id, Status: status, RunMode: mode}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordExecutorIdentifier(ctx, id, "ident", time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestSweepOnce(t *testing.T) {
	t.Parallel()
	store := memory.New()
	caller := &fakeCaller{
		store:   store,
		fail:    map[job.Identity]bool{2: true},
		deferID: map[job.Identity]bool{3: true},
	}
	seed(t, store, 1, job.StatusDone, job.RunModeK8s)
	seed(t, store, 2, job.StatusFailed, job.RunModeK8s)
	seed(t, store, 3, job.StatusCanceled, job.RunModeK8s)
	seed(t, store, 4, job.StatusRunning, job.RunModeK8s)
	seed(t, store, 5, job.StatusDone, job.RunModeProcess)

	s := New(store, caller, Config{BatchSize: 10}, nil)
	n, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("destroyed = %d, want 1", n)
	}

	calls := caller.calls()
	if len(calls) != 3 {
		t.Fatalf("destroy calls = %v, want jobs 1, 2 and 3", calls)
	}
	for _, id := range calls {
		if id == 4 || id == 5 {
			t.Errorf("job %d must not be swept", id)
		}
	}

	// The next sweep retries the failed and deferred jobs only.
	if _, err := s.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(caller.calls()); got != 5 {
		t.Errorf("destroy calls after second sweep = %d, want 5", got)
	}
}

func TestSweepOnce_BatchSize(t *testing.T) {
	t.Parallel()
	store := memory.New()
	caller := &fakeCaller{store: store}
	for id := job.Identity(1); id <= 5; id++ {
		seed(t, store, id, job.StatusDone, job.RunModeK8s)
	}

	n, err := New(store, caller, Config{BatchSize: 2}, nil).SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("destroyed = %d, want 2", n)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	store := memory.New()
	caller := &fakeCaller{store: store}
	seed(t, store, 1, job.StatusDone, job.RunModeK8s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(store, caller, Config{Interval: 10 * time.Millisecond}, nil).Run(ctx)
		close(done)
	}()

	testutil.MustWaitForRecord(t, store, 1, testutil.ExecutorDestroyed,
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// identLossStore fails every executor identifier write.
type identLossStore struct {
	*memory.Store
}

func (identLossStore) RecordExecutorIdentifier(context.Context, job.Identity, string, time.Time) error {
	return apperrors.Internal("store", errors.New("disk full"))
}

func TestSweepOnce_ReapsPodOfFailedCompensation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	clientset := fake.NewClientset()
	var deleteFails atomic.Bool
	deleteFails.Store(true)
	clientset.PrependReactor("delete", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		if deleteFails.Load() {
			return true, nil, errors.New("api server unavailable")
		}
		return false, nil, nil
	})

	pods := k8s.NewClient(clientset, k8s.PodConfig{Image: "jobctl/job-executor:test", RestartPolicy: "Never"})
	c := caller.NewK8sCaller(caller.Deps{Store: identLossStore{store}}, k8s.Config{
		Namespace:      "jobs",
		PendingTimeout: time.Minute,
	}, pods)

	if err := store.Create(ctx, &job.Record{ID: 1, Status: job.StatusStarting, RunMode: job.RunModeK8s}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ctx, job.NewContext(1, "shell", nil, nil)); err == nil {
		t.Fatal("Start succeeded, want the identifier write error")
	}
	rec, _ := store.Find(ctx, 1)
	if rec.Status != job.StatusFailed || rec.ExecutorIdentifier != "" {
		t.Fatalf("record = %+v, want FAILED with no identifier", rec)
	}
	if list, _ := clientset.CoreV1().Pods("jobs").List(ctx, metav1.ListOptions{}); len(list.Items) != 1 {
		t.Fatalf("pods = %d, want the pod left by the failed compensation", len(list.Items))
	}

	deleteFails.Store(false)
	n, err := New(store, c, Config{BatchSize: 10}, nil).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("destroyed = %d, want 1", n)
	}
	if list, _ := clientset.CoreV1().Pods("jobs").List(ctx, metav1.ListOptions{}); len(list.Items) != 0 {
		t.Errorf("pods left = %d, want 0", len(list.Items))
	}
}

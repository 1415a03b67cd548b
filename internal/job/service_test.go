package job_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/store/memory"
)

// fakeCaller moves records the way a real caller would, without executors.
type fakeCaller struct {
	store    job.RecordStore
	startErr error
	stopErr  error
	finish   bool

	mu       sync.Mutex
	started  []job.Context
	modified map[string]string
}

func (f *fakeCaller) RunMode() job.RunMode { return job.RunModeProcess }

func (f *fakeCaller) Start(ctx context.Context, jc job.Context) error {
	f.mu.Lock()
	f.started = append(f.started, jc)
	f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	_, err := f.store.UpdateStatusConditionally(ctx, jc.Identity(), job.StatusStarting, job.StatusRunning, "")
	return err
}

func (f *fakeCaller) Stop(ctx context.Context, id job.Identity) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	_, err := f.store.UpdateStatusConditionally(ctx, id, job.StatusCanceling, job.StatusCanceled, "")
	return err
}

func (f *fakeCaller) Modify(_ context.Context, _ job.Identity, params map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = params
	return nil
}

func (f *fakeCaller) Destroy(context.Context, job.Identity) error { return nil }

func (f *fakeCaller) CanBeFinish(context.Context, job.Identity) bool { return f.finish }

func (f *fakeCaller) Ready(context.Context) error { return nil }

func newService(t *testing.T) (*job.Service, *memory.Store, *fakeCaller) {
	t.Helper()
	store := memory.New()
	caller := &fakeCaller{store: store}
	return job.NewService(store, caller), store, caller
}

func startRequest() *job.StartRequest {
	return &job.StartRequest{
		JobClass:   "shell",
		Properties: map[string]string{"timeout": "60"},
		Parameters: map[string]string{"script": "echo hi"},
	}
}

func TestStart(t *testing.T) {
	t.Parallel()
	svc, store, caller := newService(t)
	ctx := context.Background()

	resp, err := svc.Start(ctx, 1, startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resp.Status != job.StatusRunning {
		t.Errorf("status = %s, want RUNNING", resp.Status)
	}
	rec, _ := store.Find(ctx, 1)
	if rec.Status != job.StatusRunning || rec.RunMode != job.RunModeProcess {
		t.Errorf("record = %+v", rec)
	}
	jc := caller.started[0]
	if jc.Class() != "shell" || jc.Parameters()["script"] != "echo hi" {
		t.Errorf("context = %+v", jc)
	}

	// A second start finds the job no longer pending.
	if _, err := svc.Start(ctx, 1, startRequest()); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Start err = %v, want conflict", err)
	}
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  *job.StartRequest
	}{
		{"missing class", &job.StartRequest{}},
		{"bad class", &job.StartRequest{JobClass: "1shell"}},
		{"long class", &job.StartRequest{JobClass: "a" + strings.Repeat("b", 128)}},
		{"empty parameter key", &job.StartRequest{JobClass: "shell", Parameters: map[string]string{"": "x"}}},
		{"long property key", &job.StartRequest{JobClass: "shell", Properties: map[string]string{strings.Repeat("k", 129): "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _, caller := newService(t)
			_, err := svc.Start(context.Background(), 1, tt.req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("err = %v, want validation", err)
			}
			if len(caller.started) != 0 {
				t.Error("caller must not be invoked")
			}
		})
	}
}

func TestStart_CallerFailureMarksFailed(t *testing.T) {
	t.Parallel()
	svc, store, caller := newService(t)
	caller.startErr = apperrors.Fatal("test", strings.Repeat("x", 600))

	if _, err := svc.Start(context.Background(), 1, startRequest()); !errors.Is(err, apperrors.ErrFatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
	rec, _ := store.Find(context.Background(), 1)
	if rec.Status != job.StatusFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}
	if len(rec.Description) != 512 {
		t.Errorf("description length = %d, want truncated to 512", len(rec.Description))
	}
}

func TestStop(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Start(ctx, 1, startRequest()); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Stop(ctx, 1)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if resp.Status != job.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", resp.Status)
	}

	// Stopping a terminated job reports its status.
	resp, err = svc.Stop(ctx, 1)
	if err != nil || resp.Status != job.StatusCanceled {
		t.Errorf("second Stop = %+v, %v", resp, err)
	}
}

func TestStop_PendingIsConflict(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := context.Background()
	if err := store.Create(ctx, &job.Record{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Stop(ctx, 1); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestStop_FailureLeavesCanceling(t *testing.T) {
	t.Parallel()
	svc, store, caller := newService(t)
	ctx := context.Background()
	if _, err := svc.Start(ctx, 1, startRequest()); err != nil {
		t.Fatal(err)
	}
	caller.stopErr = apperrors.Unreachable("stop", errors.New("refused"))

	if _, err := svc.Stop(ctx, 1); !errors.Is(err, apperrors.ErrUnreachable) {
		t.Fatalf("err = %v, want unreachable", err)
	}
	rec, _ := store.Find(ctx, 1)
	if rec.Status != job.StatusCanceling {
		t.Errorf("status = %s, want CANCELING", rec.Status)
	}

	// A retry picks up from CANCELING.
	caller.stopErr = nil
	resp, err := svc.Stop(ctx, 1)
	if err != nil || resp.Status != job.StatusCanceled {
		t.Errorf("retry = %+v, %v", resp, err)
	}
}

func TestModify(t *testing.T) {
	t.Parallel()
	svc, _, caller := newService(t)

	params := map[string]string{"limit": "5"}
	if err := svc.Modify(context.Background(), 1, &job.ModifyRequest{Parameters: params}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if caller.modified["limit"] != "5" {
		t.Errorf("modified = %v", caller.modified)
	}
}

func TestHeartbeatAndFinish(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Start(ctx, 1, startRequest()); err != nil {
		t.Fatal(err)
	}

	if err := svc.Heartbeat(ctx, 1, &job.HeartbeatRequest{Endpoint: "ftp://x"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("bad endpoint err = %v, want validation", err)
	}
	if err := svc.Heartbeat(ctx, 1, &job.HeartbeatRequest{Endpoint: "http://10.0.0.1:9000"}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rec, _ := store.Find(ctx, 1)
	if rec.ExecutorEndpoint != "http://10.0.0.1:9000" {
		t.Errorf("endpoint = %q", rec.ExecutorEndpoint)
	}

	if _, err := svc.Finish(ctx, 1, &job.FinishRequest{Status: job.StatusCanceled}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("finish CANCELED err = %v, want validation", err)
	}
	resp, err := svc.Finish(ctx, 1, &job.FinishRequest{Status: job.StatusDone, Description: "ok"})
	if err != nil || resp.Status != job.StatusDone {
		t.Fatalf("Finish = %+v, %v", resp, err)
	}
	if _, err := svc.Finish(ctx, 1, &job.FinishRequest{Status: job.StatusFailed}); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Finish err = %v, want conflict", err)
	}
}

func TestFinishable(t *testing.T) {
	t.Parallel()
	svc, store, caller := newService(t)
	ctx := context.Background()

	if _, err := svc.Finishable(ctx, 1); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown job err = %v, want not found", err)
	}
	if err := store.Create(ctx, &job.Record{ID: 1}); err != nil {
		t.Fatal(err)
	}
	caller.finish = true
	resp, err := svc.Finishable(ctx, 1)
	if err != nil || !resp.Finishable {
		t.Errorf("Finishable = %+v, %v", resp, err)
	}
}

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

func TestReporter_Heartbeat(t *testing.T) {
	t.Parallel()

	var got job.HeartbeatRequest
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	r := NewReporter(srv.URL+"/", "key", time.Second, 0)
	if err := r.Heartbeat(context.Background(), 7, "http://10.0.0.1:9000"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if path != "/v1/jobs/7/heartbeat" {
		t.Errorf("path = %s", path)
	}
	if auth != "Bearer key" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Endpoint != "http://10.0.0.1:9000" {
		t.Errorf("endpoint = %s", got.Endpoint)
	}
}

func TestReporter_Finish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		wantErr  error
		wantHits int64
	}{
		{"ok", http.StatusOK, nil, 1},
		{"conflict is not retried", http.StatusConflict, apperrors.ErrConflict, 1},
		{"bad request is not retried", http.StatusBadRequest, apperrors.ErrInternal, 1},
		{"server error is retried", http.StatusBadGateway, apperrors.ErrInternal, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			err := NewReporter(srv.URL, "", time.Second, 2).Finish(context.Background(), 1, job.StatusDone, "")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Finish() error = %v, want %v", err, tt.wantErr)
			}
			if hits.Load() != tt.wantHits {
				t.Errorf("hits = %d, want %d", hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestReporter_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewReporter(url, "", 200*time.Millisecond, 1).Finish(context.Background(), 1, job.StatusFailed, "boom")
	if !errors.Is(err, apperrors.ErrUnreachable) {
		t.Errorf("Finish() error = %v, want unreachable", err)
	}
}

func TestReporter_Disabled(t *testing.T) {
	t.Parallel()

	r := NewReporter("", "", time.Second, 3)
	if r.Enabled() {
		t.Error("Enabled() = true for empty URL")
	}
	if err := r.Finish(context.Background(), 1, job.StatusDone, ""); err != nil {
		t.Errorf("Finish() error = %v", err)
	}
}

package caller

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

func TestHTTPExecutorControl_Modify(t *testing.T) {
	t.Parallel()
	var got job.ModifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executor/modify/7" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(job.Ack{Successful: true, Data: true})
	}))
	defer srv.Close()

	c := NewHTTPExecutorControl(time.Second)
	if err := c.Modify(context.Background(), srv.URL+"/", 7, map[string]string{"limit": "10"}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if got.Parameters["limit"] != "10" {
		t.Errorf("parameters = %v", got.Parameters)
	}
}

func TestHTTPExecutorControl_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			want: apperrors.ErrInternal,
		},
		{
			name: "negative ack",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(job.Ack{Successful: false, Error: "busy"})
			},
			want: apperrors.ErrInternal,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			want: apperrors.ErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			err := NewHTTPExecutorControl(time.Second).Stop(context.Background(), srv.URL, 1)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPExecutorControl_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPExecutorControl(time.Second).Stop(context.Background(), url, 1)
	if !errors.Is(err, apperrors.ErrUnreachable) {
		t.Errorf("err = %v, want unreachable", err)
	}
}

func TestHTTPHostChecker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/livez" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}

	checker := NewHTTPHostChecker(portNum, time.Second)
	if err := checker.Reachable(context.Background(), host); err != nil {
		t.Errorf("any response proves the host is up, got %v", err)
	}

	srv.Close()
	if err := checker.Reachable(context.Background(), host); !errors.Is(err, apperrors.ErrUnreachable) {
		t.Errorf("err = %v, want unreachable", err)
	}
}

func TestProcessConfigValidation(t *testing.T) {
	t.Parallel()
	if err := validateStruct("test", ProcessConfig{Binary: "/bin/x", Args: []string{"a"}}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := validateStruct("test", ProcessConfig{Binary: "/bin/x", Args: []string{""}}); !errors.Is(err, apperrors.ErrFatal) {
		t.Errorf("empty arg: err = %v, want fatal", err)
	}
}

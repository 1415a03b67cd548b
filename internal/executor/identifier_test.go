package executor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

func TestProcessIdentifier_RoundTrip(t *testing.T) {
	t.Parallel()
	tests := []ProcessIdentifier{
		{IPAddress: "10.0.0.5", PhysicalAddress: "aa:bb:cc:dd:ee:ff", ExecutorName: "job-1-20240101000000000", PID: 4242},
		{PID: 1},
		{IPAddress: "10.0.0.5", PID: 99},
		{ExecutorName: "job-2", PID: 7},
		{IPAddress: " 10.0.0.5 ", PhysicalAddress: "\t", ExecutorName: "Null", PID: 8},
	}
	for _, want := range tests {
		t.Run(want.Encode(), func(t *testing.T) {
			t.Parallel()
			got, err := Decode(job.RunModeProcess, want.Encode())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != want {
				t.Errorf("round trip = %+v, want %+v", got, want)
			}
		})
	}
}

func TestPodIdentifier_RoundTrip(t *testing.T) {
	t.Parallel()
	tests := []PodIdentifier{
		{CloudProvider: "aws", Region: "us-east-1", ClusterName: "prod", Namespace: "jobs", ExecutorName: "job-1-x", PodName: "job-1-x"},
		{},
		{Namespace: "default", PodName: "job-9"},
		{CloudProvider: "gcp", PodName: "p"},
		{CloudProvider: " ", Region: "nullable", ClusterName: " null ", Namespace: "jobs", PodName: "p "},
	}
	for _, want := range tests {
		t.Run(want.Encode(), func(t *testing.T) {
			t.Parallel()
			got, err := Decode(job.RunModeK8s, want.Encode())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != want {
				t.Errorf("round trip = %+v, want %+v", got, want)
			}
		})
	}
}

func TestEncode_BlankFieldsAreEmptySegments(t *testing.T) {
	t.Parallel()
	if got := (PodIdentifier{}).Encode(); got != "|||||" {
		t.Errorf("blank pod identifier = %q", got)
	}
	if got := (ProcessIdentifier{PID: 3}).Encode(); got != "|||3" {
		t.Errorf("blank process identifier = %q", got)
	}
	if strings.Contains((ProcessIdentifier{PID: 3}).Encode(), "null") {
		t.Error("encoded identifier must never contain null")
	}
}

func TestDecode_LegacyNullSegments(t *testing.T) {
	t.Parallel()
	got, err := DecodePod("null|null|c1|ns|name|pod")
	if err != nil {
		t.Fatalf("DecodePod: %v", err)
	}
	want := PodIdentifier{ClusterName: "c1", Namespace: "ns", ExecutorName: "name", PodName: "pod"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecode_OnlyExactNullIsReserved(t *testing.T) {
	t.Parallel()
	got, err := DecodePod("null| null|NULL|ns|null|")
	if err != nil {
		t.Fatalf("DecodePod: %v", err)
	}
	want := PodIdentifier{Region: " null", ClusterName: "NULL", Namespace: "ns"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecode_Fatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mode job.RunMode
		in   string
	}{
		{"process too few segments", job.RunModeProcess, "a|b|3"},
		{"process too many segments", job.RunModeProcess, "a|b|c|3|x"},
		{"process missing pid", job.RunModeProcess, "a|b|c|"},
		{"process non-numeric pid", job.RunModeProcess, "a|b|c|abc"},
		{"process zero pid", job.RunModeProcess, "a|b|c|0"},
		{"pod wrong count", job.RunModeK8s, "a|b|c"},
		{"pod string under process mode", job.RunModeProcess, "aws|r|c|ns|n|p"},
		{"unknown mode", job.RunMode("DOCKER"), "a|b|c|1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.mode, tt.in)
			if !errors.Is(err, apperrors.ErrFatal) {
				t.Errorf("expected fatal error, got %v", err)
			}
		})
	}
}

func TestNewName(t *testing.T) {
	t.Parallel()
	created := time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.UTC)
	if got := NewName(42, created); got != "job-42-20240309140506789" {
		t.Errorf("NewName = %q", got)
	}

	a := NewName(42, time.Time{})
	b := NewName(42, time.Time{})
	if a == b {
		t.Error("names without a create time must differ")
	}
	if !strings.HasPrefix(a, "job-42-") {
		t.Errorf("unexpected name %q", a)
	}
}

func TestMarker(t *testing.T) {
	t.Parallel()
	args := []string{"/usr/bin/job-executor", "-port=0", Marker("job-1-x")}
	name, ok := NameFromArgs(args)
	if !ok || name != "job-1-x" {
		t.Errorf("NameFromArgs = %q, %v", name, ok)
	}
	if _, ok := NameFromArgs([]string{"executor.name="}); ok {
		t.Error("empty marker must not match")
	}
}

func TestNewPodName(t *testing.T) {
	t.Parallel()
	a := NewPodName("job-7-20240309140506789")
	b := NewPodName("job-7-20240309140506789")
	if a == b {
		t.Errorf("pod names of two attempts must differ, both %q", a)
	}
	if !strings.HasPrefix(a, "job-7-20240309140506789-") || len(a) > 63 {
		t.Errorf("unexpected pod name %q", a)
	}
}

func TestJobFromName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want job.Identity
		ok   bool
	}{
		{NewName(42, time.Now()), 42, true},
		{NewName(9, time.Time{}), 9, true},
		{NewPodName(NewName(3, time.Now())), 3, true},
		{"job-", 0, false},
		{"job-x-1", 0, false},
		{"job-0-1", 0, false},
		{"other-5-1", 0, false},
	}
	for _, tt := range tests {
		got, ok := JobFromName(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("JobFromName(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("JOBCTL_TEST_NONEXISTENT_VAR", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}

	t.Setenv("JOBCTL_TEST_GET_ENV", "custom")
	if got := GetEnv("JOBCTL_TEST_GET_ENV", "default"); got != "custom" {
		t.Errorf("Expected 'custom', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 42},
		{"valid", "123", 123},
		{"invalid", "not-a-number", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JOBCTL_TEST_INT", tt.value)
			if got := GetIntEnv("JOBCTL_TEST_INT", 42); got != tt.want {
				t.Errorf("GetIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"unset keeps default", "", true, true},
		{"true", "true", false, true},
		{"numeric", "0", true, false},
		{"garbage keeps default", "maybe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JOBCTL_TEST_BOOL", tt.value)
			if got := GetBoolEnv("JOBCTL_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("GetBoolEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	def := 5 * time.Second
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", def},
		{"seconds", "30s", 30 * time.Second},
		{"milliseconds", "100ms", 100 * time.Millisecond},
		{"invalid", "not-a-duration", def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JOBCTL_TEST_DURATION", tt.value)
			if got := GetDurationEnv("JOBCTL_TEST_DURATION", def); got != tt.want {
				t.Errorf("GetDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetListEnv(t *testing.T) {
	t.Setenv("JOBCTL_TEST_LIST", " a, ,b,c ")
	got := GetListEnv("JOBCTL_TEST_LIST")
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("GetListEnv() = %v", got)
	}

	t.Setenv("JOBCTL_TEST_LIST", "")
	if got := GetListEnv("JOBCTL_TEST_LIST"); got != nil {
		t.Errorf("expected nil for empty list, got %v", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty string for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	if got := GetSecretFile(path); got != "my-secret-value" {
		t.Errorf("Expected %q, got %q", "my-secret-value", got)
	}
}

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("RUN_MODE", "k8s")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("STORE_DSN", "/var/lib/jobctl/jobs.db")

	cfg := LoadServiceConfig()
	if cfg.RunMode != "K8S" {
		t.Errorf("RunMode = %q, want K8S", cfg.RunMode)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver = %q, want sqlite", cfg.StoreDriver)
	}
	if cfg.StoreDSN != "/var/lib/jobctl/jobs.db" {
		t.Errorf("StoreDSN = %q", cfg.StoreDSN)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want default 8080", cfg.Port)
	}
}

package k8s

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"jobctl/internal/apperrors"
)

func TestParsePodConfig(t *testing.T) {
	t.Parallel()
	data := []byte(`
image: registry.local/job-executor:1.2
command: ["/job-executor"]
resources:
  requestCpu: 500m
  limitMemory: 2Gi
nodeSelector:
  pool: jobs
gracePeriodSeconds: 0
`)
	cfg, err := ParsePodConfig(data)
	if err != nil {
		t.Fatalf("ParsePodConfig: %v", err)
	}
	if cfg.Image != "registry.local/job-executor:1.2" {
		t.Errorf("image = %q", cfg.Image)
	}
	if cfg.RestartPolicy != "Never" || cfg.ImagePullPolicy != "IfNotPresent" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.GracePeriodSeconds == nil || *cfg.GracePeriodSeconds != 0 {
		t.Error("grace period not parsed")
	}
	if cfg.NodeSelector["pool"] != "jobs" {
		t.Errorf("node selector = %v", cfg.NodeSelector)
	}
}

func TestParsePodConfig_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"missing image", "command: [x]"},
		{"bad quantity", "image: x\nresources:\n  limitCpu: lots"},
		{"bad restart policy", "image: x\nrestartPolicy: Always"},
		{"relative mount path", "image: x\nlogMountPath: logs"},
		{"not yaml", "image: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePodConfig([]byte(tt.yaml))
			if !errors.Is(err, apperrors.ErrFatal) {
				t.Errorf("expected fatal error, got %v", err)
			}
		})
	}
}

func TestLoadPodConfig(t *testing.T) {
	t.Parallel()
	cfg, err := LoadPodConfig("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Image == "" {
		t.Error("default config must have an image")
	}

	path := filepath.Join(t.TempDir(), "pod.yaml")
	if err := os.WriteFile(path, []byte("image: a/b:c\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadPodConfig(path)
	if err != nil || cfg.Image != "a/b:c" {
		t.Errorf("LoadPodConfig = %+v, %v", cfg, err)
	}

	if _, err := LoadPodConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, apperrors.ErrFatal) {
		t.Errorf("expected fatal for missing file, got %v", err)
	}
}

func TestNewClientset_BadKubeConfig(t *testing.T) {
	t.Parallel()
	_, err := NewClientset(Config{KubeConfig: "%%%not-base64"})
	if !errors.Is(err, apperrors.ErrFatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestNewClientset_URL(t *testing.T) {
	t.Parallel()
	cs, err := NewClientset(Config{KubeURL: "https://127.0.0.1:6443"})
	if err != nil || cs == nil {
		t.Errorf("NewClientset = %v, %v", cs, err)
	}
}

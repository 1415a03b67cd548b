package k8s

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"jobctl/internal/apperrors"
	"jobctl/internal/config"
)

// Config holds cluster connection settings.
type Config struct {
	KubeConfig     string // base64-encoded kubeconfig; takes precedence
	KubeURL        string // API server URL, used without credentials
	Namespace      string
	PendingTimeout time.Duration
	CloudProvider  string
	Region         string
	ClusterName    string
	PodConfigFile  string
}

// LoadConfigFromEnv loads cluster configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		KubeConfig:     config.GetEnv("K8S_KUBE_CONFIG", ""),
		KubeURL:        config.GetEnv("K8S_KUBE_URL", ""),
		Namespace:      config.GetEnv("K8S_NAMESPACE", "default"),
		PendingTimeout: config.GetDurationEnv("K8S_POD_PENDING_TIMEOUT", 600*time.Second),
		CloudProvider:  config.GetEnv("K8S_CLOUD_PROVIDER", ""),
		Region:         config.GetEnv("K8S_REGION", ""),
		ClusterName:    config.GetEnv("K8S_CLUSTER_NAME", ""),
		PodConfigFile:  config.GetEnv("K8S_POD_CONFIG_FILE", ""),
	}
}

// PodConfig is the template every executor pod is built from.
type PodConfig struct {
	Image              string            `yaml:"image" validate:"required"`
	Command            []string          `yaml:"command"`
	Args               []string          `yaml:"args"`
	ImagePullPolicy    string            `yaml:"imagePullPolicy" validate:"omitempty,oneof=Always IfNotPresent Never"`
	RestartPolicy      string            `yaml:"restartPolicy" validate:"omitempty,oneof=Never OnFailure"`
	ServiceAccountName string            `yaml:"serviceAccountName"`
	NodeSelector       map[string]string `yaml:"nodeSelector"`
	Labels             map[string]string `yaml:"labels"`
	Resources          PodResources      `yaml:"resources"`
	LogMountPath       string            `yaml:"logMountPath" validate:"omitempty,startswith=/"`
	GracePeriodSeconds *int64            `yaml:"gracePeriodSeconds" validate:"omitempty,gte=0"`
}

// PodResources are Kubernetes quantities such as "500m" or "1Gi".
type PodResources struct {
	RequestCPU    string `yaml:"requestCpu" validate:"omitempty,quantity"`
	RequestMemory string `yaml:"requestMemory" validate:"omitempty,quantity"`
	LimitCPU      string `yaml:"limitCpu" validate:"omitempty,quantity"`
	LimitMemory   string `yaml:"limitMemory" validate:"omitempty,quantity"`
}

// DefaultPodConfig returns the template used when no file is configured.
func DefaultPodConfig() PodConfig {
	return PodConfig{
		Image:           config.GetEnv("K8S_EXECUTOR_IMAGE", "jobctl/job-executor:latest"),
		ImagePullPolicy: "IfNotPresent",
		RestartPolicy:   "Never",
		Resources: PodResources{
			RequestCPU:    "500m",
			RequestMemory: "512Mi",
			LimitCPU:      "2",
			LimitMemory:   "2Gi",
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
		_, err := resource.ParseQuantity(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the pod template.
func (p PodConfig) Validate() error {
	if err := validate.Struct(p); err != nil {
		return apperrors.FatalCause("k8s.podConfig", err)
	}
	return nil
}

// LoadPodConfig reads a YAML pod template from path, applying defaults
// for unset pull and restart policies.
func LoadPodConfig(path string) (PodConfig, error) {
	if path == "" {
		cfg := DefaultPodConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PodConfig{}, apperrors.FatalCause("k8s.podConfig", err)
	}
	return ParsePodConfig(data)
}

// ParsePodConfig decodes and validates a YAML pod template.
func ParsePodConfig(data []byte) (PodConfig, error) {
	var cfg PodConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PodConfig{}, apperrors.FatalCause("k8s.podConfig", fmt.Errorf("parse yaml: %w", err))
	}
	if cfg.ImagePullPolicy == "" {
		cfg.ImagePullPolicy = "IfNotPresent"
	}
	if cfg.RestartPolicy == "" {
		cfg.RestartPolicy = "Never"
	}
	return cfg, cfg.Validate()
}

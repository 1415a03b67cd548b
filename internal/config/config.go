// Package config provides configuration loading from environment variables.
package config

import (
	"strings"
	"time"
)

// ServiceConfig holds configuration for the jobctl controller.
type ServiceConfig struct {
	RunMode           string // PROCESS or K8S
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	StoreDriver string // memory, sqlite or postgres
	StoreDSN    string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		RunMode:           strings.ToUpper(GetEnv("RUN_MODE", "PROCESS")),
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StoreDriver:       strings.ToLower(GetEnv("STORE_DRIVER", "memory")),
		StoreDSN:          GetEnv("STORE_DSN", ""),
	}
}
